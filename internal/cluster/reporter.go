// Package cluster reports this agent's endpoint to an optional peer
// directory so a front-end can attach to every rank of a distributed job.
// Directory failures are never fatal: the agent keeps operating locally.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/probing-io/probing/internal/errors"
	"github.com/probing-io/probing/internal/retry"
)

// Announcement is the record POSTed to the peer directory.
type Announcement struct {
	PID      int    `json:"pid"`
	Rank     int    `json:"rank"`
	Endpoint string `json:"endpoint"`
	Remove   bool   `json:"remove,omitempty"`
}

// Rank reads the process rank from the launcher environment (torchrun
// convention: RANK, falling back to LOCAL_RANK). Unset means rank 0.
func Rank() int {
	for _, key := range []string{"RANK", "LOCAL_RANK"} {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// Reporter posts announcements to the directory.
type Reporter struct {
	directory string
	client    *http.Client
	logger    zerolog.Logger
	retryCfg  retry.Config
}

// NewReporter builds a reporter. An empty directory URL disables it.
func NewReporter(directory string, logger zerolog.Logger) *Reporter {
	return &Reporter{
		directory: directory,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger.With().Str("component", "cluster").Logger(),
		retryCfg: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Jitter:         0.2,
		},
	}
}

// Enabled reports whether a directory is configured.
func (r *Reporter) Enabled() bool { return r.directory != "" }

// Announce registers (pid, rank, endpoint) with the directory.
func (r *Reporter) Announce(ctx context.Context, a Announcement) {
	r.post(ctx, a)
}

// Withdraw removes this agent's registration.
func (r *Reporter) Withdraw(ctx context.Context, a Announcement) {
	a.Remove = true
	r.post(ctx, a)
}

func (r *Reporter) post(ctx context.Context, a Announcement) {
	if !r.Enabled() {
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		r.logger.Warn().Err(err).Msg("marshal announcement")
		return
	}
	err = retry.Do(ctx, r.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.directory, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer errors.DeferClose(r.logger, resp.Body, "close directory response")
		if resp.StatusCode >= 300 {
			return fmt.Errorf("directory returned %s", resp.Status)
		}
		return nil
	}, nil)
	if err != nil {
		r.logger.Warn().Err(err).Str("directory", r.directory).
			Msg("peer directory unreachable, continuing locally")
	}
}

// Peers fetches the directory's current membership, used by the CLI's
// cluster attach.
func Peers(ctx context.Context, directory string) ([]Announcement, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directory, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("directory returned %s", resp.Status)
	}
	var peers []Announcement
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return peers, nil
}
