package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kibshh/frugal-iot-server/backend/internal/audit"
	"github.com/kibshh/frugal-iot-server/backend/internal/device"
	"github.com/kibshh/frugal-iot-server/backend/internal/ota"
)

const (
	// Empty segments must reach identity validation and get a 400, so the
	// variables accept them instead of mux's default [^/]+.
	otaUpdateRoute = "/ota_update/{organization:[^/]*}/{project:[^/]*}/{node:[^/]*}/{attributes:[^/]*}"

	// Sent by the ESP8266 and ESP32 httpUpdate clients; same meaning per family.
	headerESP8266Version = "X-ESP8266-Version"
	headerESP32Version   = "X-ESP32-Version"
	headerESP8266MD5     = "X-ESP8266-Sketch-MD5"
	headerESP32MD5       = "X-ESP32-Sketch-MD5"

	// httpUpdate verifies the downloaded image against this header when present.
	headerImageMD5 = "X-MD5"

	outcomeBadRequest    = "bad_request"
	outcomeDeliverFailed = "deliver_failed"
)

// handleOTAUpdate answers a device's firmware check.
// GET /ota_update/{organization}/{project}/{node}/{attributes}
//
//	304: no firmware for this device, or it already runs the latest binary
//	200: body is the binary the device should flash
//	400: malformed identity
func (s *Server) handleOTAUpdate(w http.ResponseWriter, r *http.Request) {
	req, err := parseUpdateRequest(r)
	if err != nil {
		s.metrics.CheckCompleted(outcomeBadRequest)
		s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected update check")
		s.record(r, audit.Record{
			Outcome: outcomeBadRequest,
			Status:  http.StatusBadRequest,
			Error:   err.Error(),
		})
		http.Error(w, "invalid device identity", http.StatusBadRequest)
		return
	}

	decision := s.decider.Decide(r.Context(), req)
	defer decision.Close()

	status, err := s.writeDecision(w, r, decision)
	outcome := decision.Outcome.String()
	if decision.Outcome == ota.Deliver && status != http.StatusOK {
		outcome = outcomeDeliverFailed
	}
	s.metrics.CheckCompleted(outcome)

	rec := audit.Record{
		Organization:   req.Identity.Organization,
		Project:        req.Identity.Project,
		Node:           req.Identity.Node,
		Attributes:     req.Identity.Attributes,
		ClaimedVersion: req.ClaimedVersion,
		ClaimedDigest:  req.ClaimedDigest,
		Outcome:        outcome,
		Status:         status,
		Digest:         decision.Digest,
	}
	if decision.Found {
		rec.Candidate = filepath.ToSlash(decision.Candidate.Name)
	}
	if err == nil {
		err = decision.Err
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.record(r, rec)

	evt := s.log.Info()
	if err != nil {
		evt = s.log.Error().Err(err)
	}
	evt.Str("device", req.Identity.String()).
		Str("version", req.ClaimedVersion).
		Str("claimed_md5", req.ClaimedDigest).
		Str("md5", decision.Digest).
		Str("candidate", rec.Candidate).
		Str("outcome", rec.Outcome).
		Int("status", status).
		Msg("Update check")
}

func parseUpdateRequest(r *http.Request) (ota.UpdateRequest, error) {
	vars := mux.Vars(r)

	var parts [4]string
	for i, key := range []string{"organization", "project", "node", "attributes"} {
		// The router matches on the escaped path, so %2F and friends are
		// decoded here and caught by identity validation.
		v, err := url.PathUnescape(vars[key])
		if err != nil {
			return ota.UpdateRequest{}, fmt.Errorf("%w: %s: %w", device.ErrInvalidIdentity, key, err)
		}
		parts[i] = v
	}

	id, err := device.NewIdentity(parts[0], parts[1], parts[2], parts[3])
	if err != nil {
		return ota.UpdateRequest{}, err
	}

	return ota.UpdateRequest{
		Identity:       id,
		ClaimedVersion: firstHeader(r.Header, headerESP8266Version, headerESP32Version),
		ClaimedDigest:  firstHeader(r.Header, headerESP8266MD5, headerESP32MD5),
	}, nil
}

// firstHeader returns the value of the first key present in h.
func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if vals := h.Values(k); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// writeDecision sends the decision to the device and returns the status
// it sent. Devices only ever see 304 or 200: if the binary cannot be opened
// the answer degrades to 304 and the error is returned for logging.
func (s *Server) writeDecision(w http.ResponseWriter, r *http.Request, d ota.Decision) (int, error) {
	if d.Outcome == ota.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return http.StatusNotModified, nil
	}

	// Prefer the file the digest was computed from. Without it the digest
	// cannot be vouched for, so X-MD5 is left out.
	f, digest := d.File, d.Digest
	if f == nil {
		var err error
		f, err = s.store.Open(d.Candidate.Name)
		if err != nil {
			w.WriteHeader(http.StatusNotModified)
			return http.StatusNotModified, fmt.Errorf("opening %s: %w", d.Candidate.Name, err)
		}
		defer f.Close()
		digest = ""
	}

	info, err := f.Stat()
	if err != nil {
		w.WriteHeader(http.StatusNotModified)
		return http.StatusNotModified, fmt.Errorf("stat %s: %w", d.Candidate.Name, err)
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(d.Candidate.Name)))
	h.Set("Cache-Control", "no-store")
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if digest != "" {
		h.Set(headerImageMD5, digest)
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return http.StatusOK, nil
	}

	n, err := io.Copy(w, f)
	s.metrics.BytesDelivered(n)
	if err != nil {
		// Content-Length is already out, so the device sees a short body and
		// discards the image.
		return http.StatusOK, fmt.Errorf("streaming %s after %d bytes: %w", d.Candidate.Name, n, err)
	}
	return http.StatusOK, nil
}

func (s *Server) record(r *http.Request, rec audit.Record) {
	if s.auditSink == nil {
		return
	}
	rec.Time = time.Now().UTC()
	rec.RemoteAddr = r.RemoteAddr
	rec.RequestID = requestIDFrom(r.Context())

	// Devices hang up as soon as the image is in, which cancels the request
	// context before the record is written.
	if err := s.auditSink.Ingest(context.WithoutCancel(r.Context()), []audit.Record{rec}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record update check")
	}
}
