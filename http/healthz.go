package http

import (
	"net"
	"net/http"
	"time"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/log"

	"github.com/sirupsen/logrus"
)

const dialTimeout = time.Second

type Pinger interface {
	Ping() error
}

// Readiness reports whether one part of the pipeline can take work. Name is
// only used for logging.
type Readiness struct {
	Name  string
	Ready func() bool
}

// SubscribersRunning is ready while every subscriber is in the Running state.
func SubscribersRunning(subs ...broker.Subscriber) Readiness {
	return Readiness{
		Name: "subscribers",
		Ready: func() bool {
			for _, s := range subs {
				if s.State() != broker.Running {
					return false
				}
			}
			return true
		},
	}
}

type healthzHandler struct {
	dependencies []string
	db           Pinger
	readiness    []Readiness
}

// NewHealthzHandler serves liveness as a database ping. With readiness=1 it
// also dials every dependency and asks each readiness source.
func NewHealthzHandler(dependencies []string, db Pinger, readiness ...Readiness) http.Handler {
	return &healthzHandler{
		dependencies: dependencies,
		db:           db,
		readiness:    readiness,
	}
}

func (h healthzHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ok := h.databaseReachable()
	if ok && req.URL.Query().Get("readiness") == "1" {
		ok = h.dependenciesReachable() && h.pipelineReady()
	}

	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h healthzHandler) databaseReachable() bool {
	if err := h.db.Ping(); err != nil {
		log.Logger.WithError(err).Debug("healthz: the database did not answer a ping")
		return false
	}
	return true
}

func (h healthzHandler) dependenciesReachable() bool {
	ok := true
	for _, addr := range h.dependencies {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			log.Logger.WithError(err).WithField("address", addr).Debug("healthz: unable to reach a dependency")
			ok = false
			continue
		}
		_ = conn.Close()
	}
	return ok
}

func (h healthzHandler) pipelineReady() bool {
	for _, r := range h.readiness {
		if !r.Ready() {
			log.Logger.WithFields(logrus.Fields{"check": r.Name}).Debug("healthz: not ready to take work")
			return false
		}
	}
	return true
}
