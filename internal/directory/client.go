package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to a remote directory over HTTP.
//
// Every call is bounded by the caller's context; the poll loop passes a
// per-tick deadline so a slow directory never stalls unrelated ticks.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

var _ Directory = (*Client)(nil)

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrRejected)
	}
	return resp.SessionID, nil
}

func (c *Client) Join(ctx context.Context, sessionID, participantID, offer string) error {
	body := struct {
		ParticipantID string `json:"participantId"`
		Offer         string `json:"offer"`
	}{participantID, offer}
	return c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "join"), body, nil)
}

func (c *Client) PendingViewers(ctx context.Context, sessionID string) ([]PendingViewer, error) {
	var resp struct {
		Viewers []PendingViewer `json:"viewers"`
	}
	if err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "viewers"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Viewers, nil
}

func (c *Client) SendAnswer(ctx context.Context, sessionID, participantID, answer string) error {
	body := struct {
		ParticipantID string `json:"participantId"`
		Answer        string `json:"answer"`
	}{participantID, answer}
	return c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "answer"), body, nil)
}

func (c *Client) SendCandidate(ctx context.Context, sessionID string, cand CandidateItem) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "candidates"), cand, nil)
}

func (c *Client) Answer(ctx context.Context, sessionID, participantID string) (string, bool, error) {
	var resp struct {
		Answer string `json:"answer"`
	}
	path := c.sessionPath(sessionID, "answer") + "?participant=" + url.QueryEscape(participantID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", false, err
	}
	return resp.Answer, resp.Answer != "", nil
}

func (c *Client) Candidates(ctx context.Context, sessionID, forParticipant string) ([]CandidateItem, error) {
	var resp struct {
		Candidates []CandidateItem `json:"candidates"`
	}
	path := c.sessionPath(sessionID, "candidates") + "?participant=" + url.QueryEscape(forParticipant)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}

func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) sessionPath(sessionID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID) + "/" + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory %s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusNotFound:
		return ErrSessionNotFound
	case http.StatusConflict:
		return ErrSessionFull
	default:
		return fmt.Errorf("%w: %s %s returned %d", ErrRejected, method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 2<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
