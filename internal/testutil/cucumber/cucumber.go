// Package cucumber runs godog scenarios against the chat-sync HTTP API.
//
// Each scenario acts as one or more users. Every user has its own session
// holding the last response and any open event stream, so switching users
// switches sessions. Variables are scoped to the scenario and are expanded
// with ${...}; see Expand.
package cucumber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
)

func NewTestSuite() *TestSuite {
	return &TestSuite{
		APIURL:       "http://localhost:8080",
		UserIDHeader: "X-User-ID",
	}
}

func DefaultOptions() godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       []string{"features"},
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 1,
	}
}

// ApplyReportOptions switches opts to junit output under $GODOG_REPORT_DIR,
// one file per test. The returned func closes the report.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	dir := os.Getenv("GODOG_REPORT_DIR")
	if dir == "" {
		return func() {}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return func() {}
	}
	f, err := os.Create(filepath.Join(dir, strings.ReplaceAll(testName, "/", "-")+".xml"))
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestDB empties the backend before each scenario.
type TestDB interface {
	ClearAll(ctx context.Context) error
}

// TestSuite is shared by every scenario of a godog run.
type TestSuite struct {
	APIURL string
	// UserIDHeader is the identity header the fronting gateway would set.
	UserIDHeader string
	TestingT     *testing.T
	DB           TestDB
}

// TestScenario holds state for a single scenario. Not accessed concurrently.
type TestScenario struct {
	Suite       *TestSuite
	CurrentUser string
	PathPrefix  string
	Variables   map[string]any
	sessions    map[string]*TestSession
}

// SetUser switches the scenario to act as userID. An empty id sends
// requests without an identity.
func (s *TestScenario) SetUser(userID string) {
	s.CurrentUser = userID
}

// Session returns the current user's session, creating it on first use.
func (s *TestScenario) Session() *TestSession {
	session := s.sessions[s.CurrentUser]
	if session == nil {
		session = &TestSession{
			UserID: s.CurrentUser,
			Client: &http.Client{},
			Header: http.Header{},
		}
		s.sessions[s.CurrentUser] = session
	}
	return session
}

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
}

// TestSession is one user's HTTP state, like a browser tab.
type TestSession struct {
	UserID    string
	Client    *http.Client
	Header    http.Header
	Resp      *http.Response
	RespBytes []byte
	respJSON  any

	EventStream bool
	Events      chan Event
	cancel      context.CancelFunc
}

// RespJSON returns the last response body, or the last event's data, as
// parsed JSON.
func (s *TestSession) RespJSON() (any, error) {
	if s.respJSON == nil {
		if s.RespBytes == nil {
			return nil, fmt.Errorf("no response body")
		}
		if err := json.Unmarshal(s.RespBytes, &s.respJSON); err != nil {
			return nil, fmt.Errorf("response is not json: %w\n%s", err, s.RespBytes)
		}
	}
	return s.respJSON, nil
}

func (s *TestSession) SetRespBytes(data []byte) {
	s.RespBytes = data
	s.respJSON = nil
}

func (s *TestSession) closeStream() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// StepModules register step definitions for every scenario.
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{
		Suite:     suite,
		Variables: map[string]any{},
		sessions:  map[string]*TestSession{},
	}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		if suite.DB != nil {
			if err := suite.DB.ClearAll(ctx); err != nil {
				return ctx, fmt.Errorf("clear database: %w", err)
			}
		}
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		for _, session := range s.sessions {
			session.closeStream()
		}
		return ctx, nil
	})

	for _, module := range StepModules {
		module(ctx, s)
	}
}
