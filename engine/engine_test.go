package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramqval.facturis.org/cache"
	"ramqval.facturis.org/models"
	"ramqval.facturis.org/rules"
	"ramqval.facturis.org/vlog"
)

type fakeRefStore struct {
	rules    []models.Rule
	rulesErr error
}

func (f *fakeRefStore) ListCodes(ctx context.Context) ([]models.Code, error) { return nil, nil }
func (f *fakeRefStore) ListContexts(ctx context.Context) ([]models.ServiceContext, error) {
	return nil, nil
}
func (f *fakeRefStore) ListEstablishments(ctx context.Context) ([]models.Establishment, error) {
	return nil, nil
}
func (f *fakeRefStore) ListRules(ctx context.Context) ([]models.Rule, error) {
	return f.rules, f.rulesErr
}

type fakeLogStore struct {
	mu      sync.Mutex
	entries []models.ValidationLog
}

func (f *fakeLogStore) CreateValidationLog(ctx context.Context, entry *models.ValidationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeLogStore) CreateValidationLogsBatch(ctx context.Context, entries []models.ValidationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeLogStore) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Message)
	}
	return out
}

// stubRule is a configurable in-code handler for engine tests.
type stubRule struct {
	id     string
	drafts []rules.Draft
	err    error
	panics bool
	calls  int
}

func (s *stubRule) ID() string       { return s.id }
func (s *stubRule) Name() string     { return s.id }
func (s *stubRule) Category() string { return "test" }
func (s *stubRule) Validate(in *rules.Input) ([]rules.Draft, error) {
	s.calls++
	if s.panics {
		panic("boom")
	}
	return s.drafts, s.err
}

func newTestEngine(t *testing.T, store *fakeRefStore) (*Engine, *fakeLogStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(logger)

	logs := &fakeLogStore{}
	c := cache.New(client, store, entry)
	return New(c, vlog.New(logs, entry), entry), logs
}

func TestEngineRuleFailureIsolation(t *testing.T) {
	eng, logs := newTestEngine(t, &fakeRefStore{})

	good := &stubRule{id: "good", drafts: []rules.Draft{{RuleID: "good", Severity: models.SeverityInfo}}}
	failing := &stubRule{id: "failing", err: errors.New("exploded")}
	panicking := &stubRule{id: "panicking", panics: true}
	eng.Register(failing)
	eng.Register(panicking)
	eng.Register(good)

	drafts, err := eng.Run(context.Background(), "run-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "good", drafts[0].RuleID)
	assert.Equal(t, 1, good.calls)

	messages := logs.messages()
	assert.Contains(t, messages, "La règle failing a échoué et a été ignorée.")
	assert.Contains(t, messages, "La règle panicking a échoué et a été ignorée.")
}

func TestEngineDuplicateTableRowSkipped(t *testing.T) {
	store := &fakeRefStore{rules: []models.Rule{
		{ID: "shadowed", RuleType: "prohibition", Enabled: true,
			Condition: models.JSONMap{"codes": []interface{}{"1", "2"}}},
	}}
	eng, logs := newTestEngine(t, store)

	inCode := &stubRule{id: "shadowed", drafts: []rules.Draft{{RuleID: "shadowed"}}}
	eng.Register(inCode)

	drafts, err := eng.Run(context.Background(), "run-1", nil, nil)
	require.NoError(t, err)
	// The in-code handler ran exactly once; the table row never executed.
	assert.Equal(t, 1, inCode.calls)
	require.Len(t, drafts, 1)
	assert.Contains(t, logs.messages(),
		"La règle shadowed existe à la fois en code et en table; la version codée est utilisée.")
}

func TestEngineDisabledRowDisablesInCodeHandler(t *testing.T) {
	store := &fakeRefStore{rules: []models.Rule{
		{ID: "toggled", RuleType: "prohibition", Enabled: false},
	}}
	eng, _ := newTestEngine(t, store)

	inCode := &stubRule{id: "toggled"}
	eng.Register(inCode)

	_, err := eng.Run(context.Background(), "run-1", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, inCode.calls)
}

func TestEngineUnknownRuleTypeSkipped(t *testing.T) {
	store := &fakeRefStore{rules: []models.Rule{
		{ID: "weird", RuleType: "telepathy", Enabled: true},
		{ID: "mutex", RuleType: "mutual_exclusion", Enabled: true,
			Condition: models.JSONMap{"groupA": []interface{}{"1"}, "groupB": []interface{}{"2"}}},
	}}
	eng, logs := newTestEngine(t, store)

	drafts, err := eng.Run(context.Background(), "run-1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, drafts)
	assert.Contains(t, logs.messages(), "La règle weird est invalide et a été ignorée.")
}

func TestEngineProgressReachesNinety(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeRefStore{})
	for _, id := range []string{"a", "b", "c"} {
		eng.Register(&stubRule{id: id})
	}

	var progress []int
	_, err := eng.Run(context.Background(), "run-1", nil, func(p int) { progress = append(progress, p) })
	require.NoError(t, err)

	require.NotEmpty(t, progress)
	assert.Equal(t, 90, progress[len(progress)-1])
	for i, p := range progress {
		assert.GreaterOrEqual(t, p, 50)
		if i > 0 {
			assert.GreaterOrEqual(t, p, progress[i-1])
		}
	}
}

func TestEngineDuplicateRegistrationIgnored(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeRefStore{})
	first := &stubRule{id: "dup"}
	second := &stubRule{id: "dup"}
	eng.Register(first)
	eng.Register(second)

	_, err := eng.Run(context.Background(), "run-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
}
