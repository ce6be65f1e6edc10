package job

import "inviqa/entitlement-pipeline/log"

// SidecarQuitter tells a service-mesh sidecar to exit once a one-off job is
// done, so that the job's pod can complete.
type SidecarQuitter struct {
	QuitSidecar     bool
	Client          httpPoster
	sidecarProxyUrl string
}

func (s *SidecarQuitter) EnableSideCarProxyQuit(proxyUrl string) {
	s.QuitSidecar = true
	s.sidecarProxyUrl = proxyUrl
}

func (s *SidecarQuitter) Quit() error {
	resp, err := s.Client.Post(s.sidecarProxyUrl+"/quitquitquit", "text/plain", nil)
	if err != nil {
		log.Logger.WithError(err).Error("unexpected error received from sidecar proxy /quitquitquit")
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return nil
}
