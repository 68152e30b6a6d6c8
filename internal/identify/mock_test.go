package identify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reqident/internal/classifier"
	"github.com/sells-group/reqident/internal/model"
	"github.com/sells-group/reqident/internal/queue"
	"github.com/sells-group/reqident/internal/store"
)

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, req classifier.Request) (classifier.Verdict, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(classifier.Verdict), args.Error(1)
}

func forArticle(id int64) any {
	return mock.MatchedBy(func(r classifier.Request) bool { return r.Article.ID == id })
}

var (
	obligatory    = classifier.Verdict{IsObligatory: true}
	complementary = classifier.Verdict{IsComplementary: true}
	neither       = classifier.Verdict{}
)

// progressRecorder records every accepted progress write.
type progressRecorder struct {
	*queue.MemoryBackend

	mu     sync.Mutex
	values []int
}

func (b *progressRecorder) SetProgress(ctx context.Context, id string, progress int) (bool, error) {
	ok, err := b.MemoryBackend.SetProgress(ctx, id, progress)
	if ok {
		b.mu.Lock()
		b.values = append(b.values, progress)
		b.mu.Unlock()
	}
	return ok, err
}

func (b *progressRecorder) Values() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.values...)
}

type recordingObserver struct {
	mu      sync.Mutex
	links   map[string]int
	skipped int
}

func (o *recordingObserver) LinkCreated(c string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.links == nil {
		o.links = make(map[string]int)
	}
	o.links[c]++
}

func (o *recordingObserver) ArticleSkipped() {
	o.mu.Lock()
	o.skipped++
	o.mu.Unlock()
}

type testEnv struct {
	store   store.Store
	backend *progressRecorder
	queue   *queue.Queue
	svc     *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "reqident.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	backend := &progressRecorder{MemoryBackend: queue.NewMemoryBackend()}
	q := queue.New("requirement-identification", backend, queue.WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = q.Close() })

	return &testEnv{store: st, backend: backend, queue: q, svc: NewService(st, q)}
}

func (e *testEnv) seedLegalBasis(t *testing.T, name string, articles ...string) model.LegalBasis {
	t.Helper()
	lb := model.LegalBasis{
		Name:           name,
		Abbreviation:   "LB",
		Classification: "Ley",
		Jurisdiction:   model.JurisdictionFederal,
	}
	for i, a := range articles {
		lb.Articles = append(lb.Articles, model.Article{Name: a, Body: "Texto del " + a, Order: i + 1})
	}
	require.NoError(t, e.store.CreateLegalBasis(context.Background(), &lb))
	return lb
}

func (e *testEnv) seedRequirement(t *testing.T, subjectID, aspectID int64, name string) model.Requirement {
	t.Helper()
	r := model.Requirement{
		SubjectID:            subjectID,
		AspectID:             aspectID,
		Number:               "R-" + name,
		Name:                 name,
		MandatoryDescription: "Cumplir con " + name,
		Jurisdiction:         model.JurisdictionFederal,
	}
	require.NoError(t, e.store.CreateRequirement(context.Background(), &r))
	return r
}

func (e *testEnv) submit(t *testing.T, name string, legalBases ...model.LegalBasis) *Submission {
	t.Helper()
	ids := make([]int64, len(legalBases))
	for i, lb := range legalBases {
		ids[i] = lb.ID
	}
	sub, err := e.svc.Submit(context.Background(), SubmitRequest{
		Name:              name,
		LegalBasisIDs:     ids,
		SubjectID:         1,
		AspectIDs:         []int64{1},
		IntelligenceLevel: "low",
		UserID:            42,
	})
	require.NoError(t, err)
	return sub
}

func (e *testEnv) process(t *testing.T, o *Orchestrator) {
	t.Helper()
	ran, err := e.queue.ProcessOne(context.Background(), o.Handle)
	require.NoError(t, err)
	require.True(t, ran, "expected a job to run")
}

func (e *testEnv) identificationStatus(t *testing.T, id string) model.IdentificationStatus {
	t.Helper()
	ident, err := e.store.GetIdentification(context.Background(), id)
	require.NoError(t, err)
	return ident.Status
}
