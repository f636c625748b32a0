package cucumber

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the path prefix is "([^"]*)"$`, s.theAPIPrefixIs)
		ctx.Step(`^I (GET|POST|PUT|DELETE|PATCH) path "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I (GET|POST|PUT|DELETE|PATCH) path "([^"]*)" with json body:$`, s.SendHTTPRequestWithJSONBody)
		ctx.Step(`^I open an event stream on path "([^"]*)"$`, s.iOpenAnEventStreamOnPath)
		ctx.Step(`^I wait up to "([^"]*)" seconds for an? "([^"]*)" event$`, s.iWaitUpToSecondsForAnEvent)
		ctx.Step(`^I wait up to "([^"]*)" seconds for an? "([^"]*)" event with "([^"]*)" selection matching "([^"]*)"$`, s.iWaitUpToSecondsForAnEventMatching)
		ctx.Step(`^the event stream should end within "([^"]*)" seconds$`, s.theEventStreamShouldEndWithin)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a GET on path "([^"]*)" response "([^"]*)" selection to match "([^"]*)"$`, s.iWaitUpToSecondsForAGETOnPathResponseSelectionToMatch)
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)
	})
}

func (s *TestScenario) theAPIPrefixIs(prefix string) error {
	s.PathPrefix = prefix
	return nil
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.SendHTTPRequestWithJSONBody(method, path, nil)
}

func (s *TestScenario) resolveURL(path string) (string, error) {
	expandedPath, err := s.Expand(path)
	if err != nil {
		return "", err
	}
	if u, err := url.Parse(expandedPath); err == nil && u.Scheme != "" {
		return expandedPath, nil
	}
	return s.Suite.APIURL + s.PathPrefix + expandedPath, nil
}

// newRequest builds a request carrying the session's pending headers and
// the current user's identity header.
func (s *TestScenario) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL, err := s.resolveURL(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}

	session := s.Session()
	req.Header = session.Header
	session.Header = http.Header{}
	if s.CurrentUser != "" && req.Header.Get(s.Suite.UserIDHeader) == "" {
		req.Header.Set(s.Suite.UserIDHeader, s.CurrentUser)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, jsonTxt *godog.DocString) error {
	body := &bytes.Buffer{}
	if jsonTxt != nil {
		expanded, err := s.Expand(jsonTxt.Content)
		if err != nil {
			return err
		}
		body.WriteString(expanded)
	}

	req, err := s.newRequest(context.Background(), method, path, body)
	if err != nil {
		return err
	}
	session := s.Session()
	session.Resp = nil
	session.SetRespBytes(nil)

	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	session.Resp = resp
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	session.SetRespBytes(data)
	return nil
}

func (s *TestScenario) iOpenAnEventStreamOnPath(path string) error {
	session := s.Session()
	session.closeStream()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := session.Client.Do(req)
	if err != nil {
		cancel()
		return err
	}
	session.Resp = resp
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		session.SetRespBytes(data)
		return nil
	}

	events := make(chan Event, 64)
	session.EventStream = true
	session.Events = events
	session.cancel = cancel
	go readEvents(resp.Body, events)
	return nil
}

// readEvents parses an SSE body into events and closes events when the
// stream ends.
func readEvents(body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var name string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				events <- Event{Name: name, Data: bytes.Clone(data.Bytes())}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *TestScenario) nextEvent(ctx context.Context, name string) (Event, error) {
	session := s.Session()
	if !session.EventStream {
		return Event{}, fmt.Errorf("no event stream is open for user %q", s.CurrentUser)
	}
	for {
		select {
		case ev, ok := <-session.Events:
			if !ok {
				return Event{}, fmt.Errorf("event stream ended while waiting for a %q event", name)
			}
			if ev.Name == name {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, fmt.Errorf("timed out waiting for a %q event", name)
		}
	}
}

func (s *TestScenario) iWaitUpToSecondsForAnEvent(timeout float64, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()
	ev, err := s.nextEvent(ctx, name)
	if err != nil {
		return err
	}
	s.Session().SetRespBytes(ev.Data)
	return nil
}

// iWaitUpToSecondsForAnEventMatching skips events until one satisfies the
// selection. Snapshots may be coalesced, so intermediate states are not
// guaranteed to be observed.
func (s *TestScenario) iWaitUpToSecondsForAnEventMatching(timeout float64, name, selector, expected string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()
	var lastErr error
	for {
		ev, err := s.nextEvent(ctx, name)
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w; last mismatch: %v", err, lastErr)
			}
			return err
		}
		s.Session().SetRespBytes(ev.Data)
		if lastErr = s.theSelectionFromTheResponseShouldMatch(selector, expected); lastErr == nil {
			return nil
		}
	}
}

func (s *TestScenario) theEventStreamShouldEndWithin(timeout float64) error {
	session := s.Session()
	if !session.EventStream {
		return fmt.Errorf("no event stream is open for user %q", s.CurrentUser)
	}
	deadline := time.After(time.Duration(timeout * float64(time.Second)))
	for {
		select {
		case ev, ok := <-session.Events:
			if !ok {
				session.EventStream = false
				return nil
			}
			session.SetRespBytes(ev.Data)
		case <-deadline:
			return fmt.Errorf("event stream still open after %.f seconds", timeout)
		}
	}
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}

func (s *TestScenario) iWaitUpToSecondsForAGETOnPathResponseSelectionToMatch(timeout float64, path, selection, expected string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()

	var lastErr error
	for {
		lastErr = s.sendHTTPRequest(http.MethodGet, path)
		if lastErr == nil {
			if lastErr = s.theSelectionFromTheResponseShouldMatch(selection, expected); lastErr == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("condition not met after %.f seconds: %w", timeout, lastErr)
		case <-time.After(time.Duration(timeout * float64(time.Second) / 10.0)):
		}
	}
}
