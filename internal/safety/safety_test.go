package safety

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kotoba/internal/config"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/telemetry"
)

const rulesYAML = `
rules:
  - name: secrets
    terms: ["BEGIN RSA PRIVATE KEY"]
    patterns: ['(?i)aws_secret_access_key\s*=']
    direction: input
    message: Please do not paste credentials.
  - name: leak
    terms: ["internal only"]
    direction: output
`

func writeRules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0644))
	return path
}

type fakeModerator struct {
	resp openai.ModerationResponse
	err  error
	got  openai.ModerationRequest
}

func (f *fakeModerator) Moderations(_ context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error) {
	f.got = req
	return f.resp, f.err
}

type errFilter struct{}

func (errFilter) Check(context.Context, string, Direction) (Verdict, error) {
	return Verdict{}, errors.New("filter down")
}

func TestPatternFilter(t *testing.T) {
	pf, err := LoadPatternFilter(writeRules(t))
	require.NoError(t, err)
	ctx := context.Background()

	v, err := pf.Check(ctx, "here: -----begin rsa private key-----", Input)
	require.NoError(t, err)
	assert.True(t, v.Blocked())
	assert.Equal(t, "Please do not paste credentials.", v.Message)
	assert.Equal(t, "pattern:secrets", v.Filter)

	v, _ = pf.Check(ctx, "AWS_SECRET_ACCESS_KEY = abc", Input)
	assert.True(t, v.Blocked())

	v, _ = pf.Check(ctx, "this is internal only", Input)
	assert.False(t, v.Blocked(), "output rule must not apply to input")

	v, _ = pf.Check(ctx, "this is internal only", Output)
	assert.True(t, v.Blocked())

	v, _ = pf.Check(ctx, "hello", Input)
	assert.False(t, v.Blocked())
}

func TestPatternFilterRejectsBadRules(t *testing.T) {
	_, err := NewPatternFilter([]Rule{{Name: "x", Patterns: []string{"("}}})
	assert.Error(t, err)

	_, err = NewPatternFilter([]Rule{{Name: "x", Direction: "sideways"}})
	assert.Error(t, err)
}

func TestModerationFilter(t *testing.T) {
	mod := &fakeModerator{resp: openai.ModerationResponse{Results: []openai.Result{{
		Flagged:    true,
		Categories: openai.ResultCategories{Violence: true, Harassment: true},
	}}}}
	f := NewModerationFilter(mod, "")

	v, err := f.Check(context.Background(), "X", Input)
	require.NoError(t, err)
	assert.True(t, v.Blocked())
	assert.Contains(t, v.Message, "harassment, violence")
	assert.Equal(t, openai.ModerationOmniLatest, mod.got.Model)

	mod.resp = openai.ModerationResponse{Results: []openai.Result{{Flagged: false}}}
	v, err = f.Check(context.Background(), "fine", Input)
	require.NoError(t, err)
	assert.False(t, v.Blocked())

	mod.err = errors.New("timeout")
	_, err = f.Check(context.Background(), "x", Input)
	assert.Error(t, err)
}

func TestChainFirstBlockWins(t *testing.T) {
	first, _ := NewPatternFilter([]Rule{{Name: "a", Terms: []string{"x"}, Message: "from a"}})
	second, _ := NewPatternFilter([]Rule{{Name: "b", Terms: []string{"x"}, Message: "from b"}})

	v, err := Chain{AllowAll{}, first, second}.Check(context.Background(), "X marks", Input)
	require.NoError(t, err)
	assert.Equal(t, "from a", v.Message)

	v, err = Chain{}.Check(context.Background(), "anything", Input)
	require.NoError(t, err)
	assert.False(t, v.Blocked())
}

func TestGateErrorPolicy(t *testing.T) {
	ctx := context.Background()

	closed := NewGate(errFilter{}, false, nil, nil)
	v := closed.Check(ctx, "hi", Input)
	assert.True(t, v.Blocked())
	assert.NotEmpty(t, v.Message)

	open := NewGate(errFilter{}, true, nil, nil)
	assert.False(t, open.Check(ctx, "hi", Input).Blocked())

	assert.False(t, NewGate(nil, false, nil, nil).Check(ctx, "hi", Input).Blocked())
}

func TestGateDefaultsBlockMessage(t *testing.T) {
	pf, _ := NewPatternFilter([]Rule{{Name: "a", Terms: []string{"x"}}})
	v := NewGate(pf, false, nil, telemetry.New()).Check(context.Background(), "x", Input)
	assert.Equal(t, defaultBlockMessage, v.Message)
}

func TestAuditLogRedactsAndQueries(t *testing.T) {
	al, err := NewAuditLog(t.TempDir(), []string{`\d{3}-\d{2}-\d{4}`, "hunter2"})
	require.NoError(t, err)

	pf, _ := NewPatternFilter([]Rule{{Name: "ssn", Patterns: []string{`\d{3}-\d{2}-\d{4}`}}})
	gate := NewGate(pf, false, al, nil)

	ctx := logger.WithSessionID(context.Background(), "s1")
	gate.Check(ctx, "my ssn is 123-45-6789 and password hunter2", Input)
	gate.Check(logger.WithSessionID(context.Background(), "s2"), "hello", Input)

	all, err := al.Query(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "my ssn is [REDACTED] and password [REDACTED]", all[0].Text)

	blocked, err := al.Query(&AuditFilter{Action: Block})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "s1", blocked[0].SessionID)
}

func TestFromConfig(t *testing.T) {
	f, err := FromConfig(config.SafetyConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, AllowAll{}, f)

	_, err = FromConfig(config.SafetyConfig{Moderation: true}, nil)
	assert.Error(t, err)

	f, err = FromConfig(config.SafetyConfig{RulesFile: writeRules(t), Moderation: true}, &fakeModerator{})
	require.NoError(t, err)
	chain, ok := f.(Chain)
	require.True(t, ok)
	assert.Len(t, chain, 2)
}
