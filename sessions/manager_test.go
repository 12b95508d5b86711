package sessions_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rulesadapter/notify"
	"github.com/liamcoop/rulesadapter/rules"
	"github.com/liamcoop/rulesadapter/sessions"
	"github.com/liamcoop/rulesadapter/situation"
)

var transportRules = []*rules.Rule{
	{ID: "transport", Name: "transport", Active: true},
	{ID: "mode", Name: "transport . mode", Question: "Quel moyen de transport ?", Default: "'voiture'", Active: true},
	{ID: "voiture", Name: "transport . mode . voiture", Active: true},
	{ID: "velo", Name: "transport . mode . velo", Active: true},
	{ID: "distance", Name: "transport . distance", Question: "Combien de km ?", Active: true},
	{ID: "empreinte", Name: "transport . empreinte", Formula: "transport.distance * 0.5", Active: true},
}

type fixture struct {
	ctx       context.Context
	registry  *rules.InMemoryRulesetRegistry
	repo      *situation.InMemoryRepository
	manager   *sessions.Manager
	rulesetID string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	registry := rules.NewInMemoryRulesetRegistry()
	info, err := registry.Create(ctx, "empreinte")
	require.NoError(t, err)

	store := registry.Store(info.ID)
	for _, r := range transportRules {
		cp := *r
		require.NoError(t, store.Add(&cp))
	}

	repo := situation.NewInMemoryRepository()
	return &fixture{
		ctx:       ctx,
		registry:  registry,
		repo:      repo,
		manager:   sessions.NewManager(sessions.RegistryStores(registry), repo),
		rulesetID: info.ID,
	}
}

func TestOpenSession(t *testing.T) {
	f := setup(t)

	s, err := f.manager.OpenSession(f.ctx, f.rulesetID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, f.rulesetID, s.RulesetID)

	again, err := f.manager.OpenSession(f.ctx, f.rulesetID, s.ID)
	require.NoError(t, err)
	assert.Same(t, s, again)

	got, err := f.manager.Session(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.Equal(t, []string{s.ID}, f.manager.Sessions())
	assert.Equal(t, []string{f.rulesetID}, f.manager.Rulesets())
}

func TestOpenSessionUnknownRuleset(t *testing.T) {
	f := setup(t)

	_, err := f.manager.OpenSession(f.ctx, "inconnu", "s1")
	assert.ErrorIs(t, err, sessions.ErrRulesetNotFound)
	assert.Empty(t, f.manager.Sessions())
}

func TestOpenSessionRulesetMismatch(t *testing.T) {
	f := setup(t)
	other, err := f.registry.Create(f.ctx, "autre")
	require.NoError(t, err)

	_, err = f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	_, err = f.manager.OpenSession(f.ctx, other.ID, "s1")
	assert.Error(t, err)
}

func TestSessionNotFound(t *testing.T) {
	f := setup(t)

	_, err := f.manager.Session("missing")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	_, _, err = f.manager.SetSituation(f.ctx, "missing", situation.Situation{}, situation.SetOptions{})
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	_, err = f.manager.Evaluate("missing", nil)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	assert.ErrorIs(t, f.manager.Attach("missing", notify.Discard), sessions.ErrSessionNotFound)
	assert.ErrorIs(t, f.manager.CloseSession(f.ctx, "missing", false), sessions.ErrSessionNotFound)
}

// TestSituationPersisted verifies accepted situations are saved and restored
func TestSituationPersisted(t *testing.T) {
	f := setup(t)

	_, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	accepted, rejected, err := f.manager.SetSituation(f.ctx, "s1", situation.Situation{
		"transport . distance": situation.Number(1000),
		"inconnue":             situation.Number(1),
	}, situation.SetOptions{})
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	_, _, err = f.manager.UpdateAnswer(f.ctx, "s1", "transport . mode", situation.String("'velo'"))
	require.NoError(t, err)

	rec, err := f.repo.Load(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, f.rulesetID, rec.RulesetID)
	assert.Equal(t, situation.Situation{
		"transport . distance": situation.Number(1000),
		"transport . mode":     situation.String("'velo'"),
	}, rec.Situation)
	assert.Len(t, accepted, 1)

	// Reopening restores the saved answers
	require.NoError(t, f.manager.CloseSession(f.ctx, "s1", false))
	s, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	restored, err := s.Adapter.Situation()
	require.NoError(t, err)
	assert.Equal(t, rec.Situation, restored)
}

// TestRestoreFiltersStaleAnswers verifies persisted answers go through the filter
func TestRestoreFiltersStaleAnswers(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.repo.Save(f.ctx, &situation.Record{
		SessionID: "s1",
		RulesetID: f.rulesetID,
		Situation: situation.Situation{
			"transport . distance": situation.Number(10),
			"transport . avion":    situation.Number(1),
		},
	}))

	s, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	restored, err := s.Adapter.Situation()
	require.NoError(t, err)
	assert.Equal(t, situation.Situation{"transport . distance": situation.Number(10)}, restored)
}

// TestRestoreOtherRuleset verifies a situation saved for another ruleset is ignored
func TestRestoreOtherRuleset(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.repo.Save(f.ctx, &situation.Record{
		SessionID: "s1",
		RulesetID: "autre",
		Situation: situation.Situation{"transport . distance": situation.Number(10)},
	}))

	s, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	restored, err := s.Adapter.Situation()
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestCloseSessionForget(t *testing.T) {
	f := setup(t)

	_, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)
	_, _, err = f.manager.SetSituation(f.ctx, "s1", situation.Situation{"transport . distance": situation.Number(1)}, situation.SetOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.CloseSession(f.ctx, "s1", true))

	_, err = f.repo.Load(f.ctx, "s1")
	assert.ErrorIs(t, err, situation.ErrRecordNotFound)
	assert.Empty(t, f.manager.Sessions())
}

func TestEvaluate(t *testing.T) {
	f := setup(t)

	_, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	var events []notify.Type
	require.NoError(t, f.manager.Attach("s1", notify.Func(func(e notify.Event) {
		events = append(events, e.Type)
	})))

	_, _, err = f.manager.SetSituation(f.ctx, "s1", situation.Situation{"transport . distance": situation.Number(100)}, situation.SetOptions{})
	require.NoError(t, err)

	batch, err := f.manager.Evaluate("s1", []string{"transport . empreinte"})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 50.0, batch[0].Result.NodeValue)

	assert.Equal(t, []notify.Type{notify.TypeSituationChanged, notify.TypeRulesEvaluated}, events)
}

// TestRuleChangesRebindSessions verifies open sessions follow rule changes
func TestRuleChangesRebindSessions(t *testing.T) {
	f := setup(t)

	s, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)
	_, _, err = f.manager.SetSituation(f.ctx, "s1", situation.Situation{
		"transport . distance": situation.Number(100),
		"transport . mode":     situation.String("'velo'"),
	}, situation.SetOptions{})
	require.NoError(t, err)

	// Update a formula
	require.NoError(t, f.manager.UpdateRule(f.ctx, f.rulesetID, &rules.Rule{
		ID: "empreinte", Name: "transport . empreinte", Formula: "transport.distance * 2.0", Active: true,
	}))
	r, err := s.Adapter.EvaluateOne("transport . empreinte")
	require.NoError(t, err)
	assert.Equal(t, 200.0, r.NodeValue)

	// Remove an option: the answer using it is dropped and persisted away
	require.NoError(t, f.manager.DeleteRule(f.ctx, f.rulesetID, "velo"))
	current, err := s.Adapter.Situation()
	require.NoError(t, err)
	assert.Equal(t, situation.Situation{"transport . distance": situation.Number(100)}, current)

	rec, err := f.repo.Load(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, current, rec.Situation)

	// Add a rule
	rule := &rules.Rule{Name: "transport . double", Formula: "transport.empreinte * 2.0", Active: true}
	require.NoError(t, f.manager.AddRule(f.ctx, f.rulesetID, rule))
	assert.NotEmpty(t, rule.ID)

	r, err = s.Adapter.EvaluateOne("transport . double")
	require.NoError(t, err)
	assert.Equal(t, 400.0, r.NodeValue)
}

// TestInvalidRuleChangeLeavesSessions verifies a rejected change touches nothing
func TestInvalidRuleChangeLeavesSessions(t *testing.T) {
	f := setup(t)

	s, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)
	before, err := s.Adapter.Catalog()
	require.NoError(t, err)

	err = f.manager.AddRule(f.ctx, f.rulesetID, &rules.Rule{Name: "cassee", Formula: "inconnue * 2.0", Active: true})
	require.Error(t, err)

	// Referenced by empreinte
	err = f.manager.DeleteRule(f.ctx, f.rulesetID, "distance")
	require.Error(t, err)

	after, err := s.Adapter.Catalog()
	require.NoError(t, err)
	assert.Same(t, before, after)
}

func TestImportRules(t *testing.T) {
	f := setup(t)

	s, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	defs, err := rules.LoadYAML(strings.NewReader(`
alimentation:
alimentation . repas:
  question: Combien de repas ?
  default: 14
alimentation . empreinte: alimentation.repas * 2.0
`))
	require.NoError(t, err)
	require.NoError(t, f.manager.ImportRules(f.ctx, f.rulesetID, defs))

	r, err := s.Adapter.EvaluateOne("alimentation . empreinte")
	require.NoError(t, err)
	assert.Equal(t, 28.0, r.NodeValue)

	// Importing again clashes on IDs
	assert.ErrorIs(t, f.manager.ImportRules(f.ctx, f.rulesetID, defs), rules.ErrRuleExists)
}

// TestRulesetLoadedOnce verifies concurrent opens share one ruleset
func TestRulesetLoadedOnce(t *testing.T) {
	f := setup(t)

	var loads atomic.Int32
	stores := sessions.RegistryStores(f.registry)
	manager := sessions.NewManager(func(ctx context.Context, id string) (rules.RuleStore, error) {
		loads.Add(1)
		return stores(ctx, id)
	}, f.repo)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.OpenSession(f.ctx, f.rulesetID, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, manager.Sessions(), 10)
	assert.Equal(t, int32(1), loads.Load())

	rs1, err := manager.Ruleset(f.ctx, f.rulesetID)
	require.NoError(t, err)
	rs2, err := manager.Ruleset(f.ctx, f.rulesetID)
	require.NoError(t, err)
	assert.Same(t, rs1, rs2)
}

func TestUnloadRuleset(t *testing.T) {
	f := setup(t)

	_, err := f.manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)

	f.manager.UnloadRuleset(f.rulesetID)
	assert.Empty(t, f.manager.Sessions())
	assert.Empty(t, f.manager.Rulesets())
}

// gatedRepository holds the first armed Save until another Save starts or a
// timeout expires.
type gatedRepository struct {
	*situation.InMemoryRepository
	armed   atomic.Bool
	fired   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRepository() *gatedRepository {
	return &gatedRepository{
		InMemoryRepository: situation.NewInMemoryRepository(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
}

func (r *gatedRepository) Save(ctx context.Context, rec *situation.Record) error {
	if r.armed.CompareAndSwap(true, false) {
		r.fired.Store(true)
		close(r.entered)
		select {
		case <-r.release:
		case <-time.After(200 * time.Millisecond):
		}
	} else if r.fired.Load() {
		r.once.Do(func() { close(r.release) })
	}
	return r.InMemoryRepository.Save(ctx, rec)
}

// TestWritesPersistInOrder verifies the stored situation matches the live one
// when two writes race on a session
func TestWritesPersistInOrder(t *testing.T) {
	f := setup(t)
	repo := newGatedRepository()
	manager := sessions.NewManager(sessions.RegistryStores(f.registry), repo)

	s, err := manager.OpenSession(f.ctx, f.rulesetID, "s1")
	require.NoError(t, err)
	repo.armed.Store(true)

	first := make(chan error, 1)
	go func() {
		_, _, err := manager.UpdateAnswer(f.ctx, "s1", "transport . distance", situation.Number(1))
		first <- err
	}()
	<-repo.entered

	_, _, err = manager.UpdateAnswer(f.ctx, "s1", "transport . distance", situation.Number(2))
	require.NoError(t, err)
	require.NoError(t, <-first)

	live, err := s.Adapter.Situation()
	require.NoError(t, err)
	rec, err := repo.Load(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, live, rec.Situation)
	assert.Equal(t, situation.Situation{"transport . distance": situation.Number(2)}, rec.Situation)
}
