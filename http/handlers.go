package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aposazhennikov/radio-atlas-relay/catalog"
	"github.com/aposazhennikov/radio-atlas-relay/logger"
	"github.com/aposazhennikov/radio-atlas-relay/playlist"
	"github.com/aposazhennikov/radio-atlas-relay/probe"
	"github.com/aposazhennikov/radio-atlas-relay/relay"
)

func targetStatus(err error) int {
	if errors.Is(err, relay.ErrDeniedHost) {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

// streamHandler relays ?url= through the relay manager.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}
	target, err := s.policy.Check(r.URL.Query().Get("url"))
	if err != nil {
		relayRequests.WithLabelValues("rejected").Inc()
		writeError(w, targetStatus(err), err.Error())
		return
	}

	sent, err := s.relay.Serve(w, r, target)
	if err != nil {
		var upErr *relay.UpstreamError
		if errors.As(err, &upErr) {
			relayRequests.WithLabelValues("upstream_failed").Inc()
			logger.LogUpstreamEvent(s.logger, slog.LevelWarn, "All relay candidates failed", target.String(),
				slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.logger.Debug("Relay ended with error",
			slog.String("url", target.String()),
			slog.Int64("bytes", sent),
			slog.String("error", err.Error()))
	}

	outcome := "ok"
	if playlist.IsPlaylist(w.Header().Get("Content-Type"), "") {
		outcome = "hls"
	}
	relayRequests.WithLabelValues(outcome).Inc()
}

type metadataResponse struct {
	Title  string   `json:"title"`
	Logs   []string `json:"logs"`
	Source string   `json:"source,omitempty"`
}

type metadataMiss struct {
	Error string   `json:"error"`
	Logs  []string `json:"logs"`
}

func (s *Server) metadataHandler(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "metadata unavailable")
		return
	}
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, relay.ErrMissingURL.Error())
		return
	}

	result, err := s.resolver.Resolve(r.Context(), raw)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if result.Logs == nil {
		result.Logs = []string{}
	}
	if !result.Found() {
		writeJSON(w, http.StatusNotFound, metadataMiss{Error: "No metadata found", Logs: result.Logs})
		return
	}
	writeJSON(w, http.StatusOK, metadataResponse{Title: result.Title, Logs: result.Logs, Source: result.Source})
}

func (s *Server) catalogHandler(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	mode := catalog.ParseMode(r.URL.Query().Get("mode"))
	stations, err := s.catalog.Stations(r.Context(), mode)
	if err != nil {
		s.logger.Error("Catalog request failed",
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, stations)
}

// extractHandler forwards ?url= to the external media extractor.
func (s *Server) extractHandler(w http.ResponseWriter, r *http.Request) {
	target, err := s.policy.Check(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, targetStatus(err), err.Error())
		return
	}

	endpoint := strings.TrimRight(s.extractorURL, "/") + "/extract?url=" + url.QueryEscape(target.String())
	s.proxyText(w, r, endpoint, "extractor")
}

// fetchHandler returns the body of an arbitrary http(s) resource.
func (s *Server) fetchHandler(w http.ResponseWriter, r *http.Request) {
	target, err := relay.ParseTarget(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.proxyText(w, r, target.String(), "fetch")
}

// proxyText relays status, content type and body of a GET to endpoint.
func (s *Server) proxyText(w http.ResponseWriter, r *http.Request, endpoint, component string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Header.Set("User-Agent", probe.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		logger.LogUpstreamEvent(s.logger, slog.LevelWarn, "Proxied request failed", endpoint,
			slog.String("component", component),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxiedBody))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (s *Server) inspectHandler(w http.ResponseWriter, r *http.Request) {
	if s.inspector == nil {
		writeError(w, http.StatusServiceUnavailable, "inspection unavailable")
		return
	}
	target, err := s.policy.Check(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, targetStatus(err), err.Error())
		return
	}

	report, err := s.inspector.Inspect(r.Context(), target.String())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
