//go:build integration
// +build integration

package http

import (
	"net/http"
	"sync"
)

var (
	mu    sync.Mutex
	recvd = map[string]bool{}
)

// GetHttpTestHandlerFunc stands in for the sidecar proxy the cleanup job
// calls once it has finished.
func GetHttpTestHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/quitquitquit":
			record(r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func Received(path string) bool {
	mu.Lock()
	defer mu.Unlock()

	return recvd[path]
}

func Reset() {
	mu.Lock()
	defer mu.Unlock()
	recvd = map[string]bool{}
}

func record(path string) {
	mu.Lock()
	defer mu.Unlock()
	recvd[path] = true
}
