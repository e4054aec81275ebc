// Package ota decides whether a device checking in for firmware should be
// told it is up to date or be sent a new binary.
package ota

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/kibshh/frugal-iot-server/backend/internal/device"
	"github.com/kibshh/frugal-iot-server/backend/internal/firmware"
	"github.com/kibshh/frugal-iot-server/backend/internal/metrics"
)

type Outcome uint8

const (
	NotModified Outcome = iota
	Deliver
)

func (o Outcome) String() string {
	switch o {
	case NotModified:
		return "not_modified"
	case Deliver:
		return "deliver"
	default:
		return "unknown"
	}
}

// UpdateRequest is what a device tells us on an update check.
type UpdateRequest struct {
	Identity       device.Identity
	ClaimedDigest  string // hex MD5 of the installed sketch, may be empty
	ClaimedVersion string // informational only
}

// Decision is the result of an update check.
type Decision struct {
	Outcome   Outcome
	Found     bool               // a candidate binary was resolved
	Candidate firmware.Candidate // valid when Found
	Digest    string             // digest of Candidate, empty if it could not be computed
	Err       error              // digest failure; Outcome is Deliver when set

	// File is the digested binary rewound to its start, set on Deliver when
	// it could be opened. Sending it keeps X-MD5 and the body describing the
	// same image even if the file is replaced meanwhile. Close releases it.
	File *os.File
}

// Close releases File, if any.
func (d Decision) Close() error {
	if d.File == nil {
		return nil
	}
	return d.File.Close()
}

// Resolver locates the firmware binary that applies to a device.
type Resolver interface {
	Resolve(ctx context.Context, id device.Identity) (firmware.Candidate, bool)
}

type Decider struct {
	resolver Resolver
	store    firmware.Store
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewDecider(resolver Resolver, store firmware.Store, m *metrics.Metrics, log zerolog.Logger) *Decider {
	return &Decider{
		resolver: resolver,
		store:    store,
		metrics:  m,
		log:      log,
	}
}

// Decide resolves the device's firmware and compares its digest with the
// one the device reported. Nothing is cached between calls. The caller
// must Close the returned Decision.
func (d *Decider) Decide(ctx context.Context, req UpdateRequest) Decision {
	// Step 1: Resolve the most specific candidate
	c, ok := d.resolver.Resolve(ctx, req.Identity)
	if !ok {
		// No firmware for this device is never a reason to send one
		return Decision{Outcome: NotModified}
	}
	d.metrics.CandidateMatched(c.Level)

	// Step 2: Digest the candidate, keeping it open for delivery
	f, err := d.store.Open(c.Name)
	if err != nil {
		return d.digestFailed(c, fmt.Errorf("%w: %w", firmware.ErrDigest, err))
	}
	digest, err := firmware.Digest(ctx, f)
	if err != nil {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			f.Close()
			f = nil
		}
		dec := d.digestFailed(c, err)
		dec.File = f
		return dec
	}

	// Step 3: Compare with what the device runs
	if req.ClaimedDigest != "" && req.ClaimedDigest == digest {
		f.Close()
		return Decision{Outcome: NotModified, Found: true, Candidate: c, Digest: digest}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return Decision{Outcome: Deliver, Found: true, Candidate: c, Digest: digest, Err: err}
	}
	return Decision{Outcome: Deliver, Found: true, Candidate: c, Digest: digest, File: f}
}

func (d *Decider) digestFailed(c firmware.Candidate, err error) Decision {
	d.metrics.DigestFailed()
	d.log.Warn().Err(err).Str("candidate", c.Name).Msg("Digest failed, delivering anyway")
	return Decision{Outcome: Deliver, Found: true, Candidate: c, Err: err}
}
