package cucumber

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the response code should be (\d+)$`, s.theResponseCodeShouldBe)
		ctx.Step(`^the response should match json:$`, s.TheResponseShouldMatchJSONDoc)
		ctx.Step(`^the response should contain json:$`, s.TheResponseShouldContainJSONDoc)
		ctx.Step(`^the response should contain "([^"]*)"$`, s.theResponseShouldContain)
		ctx.Step(`^the response should not contain "([^"]*)"$`, s.theResponseShouldNotContain)
		ctx.Step(`^I store the "([^"]*)" selection from the response as \${([^}]*)}$`, s.iStoreTheSelectionFromTheResponseAs)
		ctx.Step(`^I store the \${([^}]*)} as \${([^}]*)}$`, s.iStoreVariableAsVariable)
		ctx.Step(`^the "(.*)" selection from the response should match "([^"]*)"$`, s.theSelectionFromTheResponseShouldMatch)
		ctx.Step(`^the "([^"]*)" selection from the response should match json:$`, s.theSelectionFromTheResponseShouldMatchJSON)
		ctx.Step(`^the response header "([^"]*)" should match "([^"]*)"$`, s.theResponseHeaderShouldMatch)
		ctx.Step(`^\${([^}]*)} is not empty$`, s.variableIsNotEmpty)
		ctx.Step(`^"([^"]*)" should match "([^"]*)"$`, s.textShouldMatchText)
		ctx.Step(`^\${([^}]*)} should contain json:$`, s.theVariableShouldContainJSON)
	})
}

func (s *TestScenario) variableIsNotEmpty(name string) error {
	value, err := s.Resolve(name)
	if err != nil {
		return err
	}
	if value == nil || value == "" {
		return fmt.Errorf("variable ${%s} is empty", name)
	}
	return nil
}

func (s *TestScenario) theResponseCodeShouldBe(expected int) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	if actual := session.Resp.StatusCode; expected != actual {
		return fmt.Errorf("expected response code to be: %d, but actual is: %d, body: %s", expected, actual, string(session.RespBytes))
	}
	return nil
}

func (s *TestScenario) TheResponseShouldMatchJSONDoc(expected *godog.DocString) error {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("got an empty response from server, expected a json body")
	}
	return s.JSONMustMatch(string(session.RespBytes), expected.Content, true)
}

func (s *TestScenario) TheResponseShouldContainJSONDoc(expected *godog.DocString) error {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("got an empty response from server, expected a json body")
	}
	return s.JSONMustContain(string(session.RespBytes), expected.Content, true)
}

func (s *TestScenario) theVariableShouldContainJSON(variableName string, expected *godog.DocString) error {
	expanded, err := s.Expand(fmt.Sprintf("${%s}", variableName))
	if err != nil {
		return err
	}
	return s.JSONMustContain(expanded, expected.Content, true)
}

func (s *TestScenario) theResponseShouldContain(expected string) error {
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	body := string(s.Session().RespBytes)
	if !strings.Contains(body, expanded) {
		return fmt.Errorf("expected response to contain '%s', but it does not. Response body: %s", expanded, body)
	}
	return nil
}

func (s *TestScenario) theResponseShouldNotContain(unexpected string) error {
	expanded, err := s.Expand(unexpected)
	if err != nil {
		return err
	}
	body := string(s.Session().RespBytes)
	if strings.Contains(body, expanded) {
		return fmt.Errorf("expected response not to contain '%s'. Response body: %s", expanded, body)
	}
	return nil
}

func (s *TestScenario) textShouldMatchText(actual, expected string) error {
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	actual, err = s.Expand(actual)
	if err != nil {
		return err
	}
	if expanded != actual {
		return fmt.Errorf("actual does not match expected, diff:\n%s", unifiedDiff(expanded, actual))
	}
	return nil
}

func (s *TestScenario) theResponseHeaderShouldMatch(header, expected string) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	if actual := session.Resp.Header.Get(header); expanded != actual {
		return fmt.Errorf("response header '%s' does not match expected: %v, actual: %v", header, expanded, actual)
	}
	return nil
}

func (s *TestScenario) iStoreVariableAsVariable(name, as string) error {
	value, err := s.Resolve(name)
	if err != nil {
		return err
	}
	s.Variables[as] = value
	return nil
}

func (s *TestScenario) selectFromResponse(selector string) (any, error) {
	doc, err := s.Session().RespJSON()
	if err != nil {
		return nil, err
	}
	v, err := jq(doc, selector)
	if err != nil {
		return nil, fmt.Errorf("selector %s: %w", selector, err)
	}
	return v, nil
}

func (s *TestScenario) iStoreTheSelectionFromTheResponseAs(selector, as string) error {
	value, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	s.Variables[as] = value
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldMatch(selector, expected string) error {
	actual, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	expected, err = s.Expand(expected)
	if err != nil {
		return err
	}
	got := "null"
	if actual != nil {
		if got, err = toText(actual); err != nil {
			return err
		}
	}
	if got != expected {
		return fmt.Errorf("selected JSON does not match. expected: %v, actual: %v", expected, got)
	}
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldMatchJSON(selector string, expected *godog.DocString) error {
	actual, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	data, err := json.Marshal(actual)
	if err != nil {
		return err
	}
	return s.JSONMustMatch(string(data), expected.Content, true)
}
