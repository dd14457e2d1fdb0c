package gateway

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/acme/autocert"
)

// listenAndServe starts the HTTP server according to the configured TLS
// mode: plain HTTP, a static certificate pair, or automatic ACME
// certificates cached on disk.
func (g *Gateway) listenAndServe(srv *http.Server) error {
	switch strings.ToLower(strings.TrimSpace(g.cfg.TLSMode)) {
	case "static":
		return srv.ListenAndServeTLS(g.cfg.TLSCertFile, g.cfg.TLSKeyFile)
	case "auto":
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(g.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(g.cfg.TLSDomain),
		}
		srv.TLSConfig = manager.TLSConfig()
		return srv.ListenAndServeTLS("", "")
	default:
		return srv.ListenAndServe()
	}
}
