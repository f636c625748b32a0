package bdd

import (
	"fmt"

	"github.com/chirino/chat-sync/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		a := &authSteps{s: s}
		ctx.Step(`^I am authenticated as user "([^"]*)"$`, a.iAmAuthenticatedAsUser)
		ctx.Step(`^I am not authenticated$`, a.iAmNotAuthenticated)
		ctx.Step(`^user "([^"]*)" has display name "([^"]*)"$`, a.userHasDisplayName)
	})
}

type authSteps struct {
	s *cucumber.TestScenario
}

func (a *authSteps) iAmAuthenticatedAsUser(userID string) error {
	a.s.SetUser(userID)
	return nil
}

func (a *authSteps) iAmNotAuthenticated() error {
	a.s.SetUser("")
	return nil
}

// userHasDisplayName writes the profile as that user and switches back.
func (a *authSteps) userHasDisplayName(userID, name string) error {
	saved := a.s.CurrentUser
	defer func() { a.s.CurrentUser = saved }()

	a.s.SetUser(userID)
	body := &godog.DocString{Content: fmt.Sprintf(`{"displayName": %q}`, name)}
	if err := a.s.SendHTTPRequestWithJSONBody("PUT", "/v1/users/me", body); err != nil {
		return err
	}
	if resp := a.s.Session().Resp; resp == nil || resp.StatusCode != 200 {
		return fmt.Errorf("failed to set display name of %s: %s", userID, a.s.Session().RespBytes)
	}
	return nil
}
