package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"oeecast/internal/apperr"
	"oeecast/internal/model"
	"oeecast/internal/snapshot"
)

const (
	DefaultMinRecords   = 10
	DefaultTestFraction = 0.2
)

// State reports whether a model is available in memory.
type State int

const (
	Untrained State = iota
	Trained
)

func (s State) String() string {
	if s == Trained {
		return "trained"
	}
	return "untrained"
}

// ArtifactStore persists model versions. modelstore.Store implements it.
type ArtifactStore interface {
	Save(ctx context.Context, a snapshot.Artifacts) error
	LoadLatest(ctx context.Context) (snapshot.Artifacts, error)
}

// seqReader is implemented by stores that can name the latest published
// sequence even when that version's artifacts are unreadable.
type seqReader interface {
	LatestSeq(ctx context.Context) (int64, error)
}

// TrainingReport summarizes one training run against its held-out rows.
type TrainingReport struct {
	Version       string  `json:"model_version"`
	EfficiencyR2  float64 `json:"efficiency_r2"`
	EfficiencyMSE float64 `json:"efficiency_mse"`
	OEER2         float64 `json:"oee_r2"`
	SampleCount   int     `json:"training_samples"`
	TrainCount    int     `json:"train_count"`
	TestCount     int     `json:"test_count"`
}

// Snapshot is an immutable trained model version. Both regressors always come
// from the same training run.
type Snapshot struct {
	Version    string
	Seq        int64
	Algorithm  string
	TrainedAt  time.Time
	Report     TrainingReport
	efficiency Regressor
	oee        Regressor
}

// Predict returns (efficiency, oee) estimates for f.
func (s *Snapshot) Predict(f Features) (float64, float64) {
	x := f.Vector()
	return s.efficiency.Predict(x), s.oee.Predict(x)
}

type Options struct {
	Algorithm    Algorithm
	Store        ArtifactStore
	MinRecords   int
	TestFraction float64
	SplitSeed    int64
	Logger       *zap.SugaredLogger
	Now          func() time.Time
}

// Model owns the current Snapshot. Readers get a consistent version without
// locking; Train serializes writers and swaps the pointer only after the new
// version has been persisted.
type Model struct {
	algo         Algorithm
	store        ArtifactStore
	minRecords   int
	testFraction float64
	splitSeed    int64
	log          *zap.SugaredLogger
	now          func() time.Time

	current atomic.Pointer[Snapshot]
	trainMu sync.Mutex
	loadMu  sync.Mutex
}

func New(opts Options) *Model {
	m := &Model{
		algo:         opts.Algorithm,
		store:        opts.Store,
		minRecords:   opts.MinRecords,
		testFraction: opts.TestFraction,
		splitSeed:    opts.SplitSeed,
		log:          opts.Logger,
		now:          opts.Now,
	}
	if m.algo == nil {
		m.algo = NewRandomForest()
	}
	if m.minRecords <= 0 {
		m.minRecords = DefaultMinRecords
	}
	if m.testFraction <= 0 || m.testFraction >= 1 {
		m.testFraction = DefaultTestFraction
	}
	if m.splitSeed == 0 {
		m.splitSeed = DefaultSeed
	}
	if m.log == nil {
		m.log = zap.NewNop().Sugar()
	}
	if m.now == nil {
		m.now = model.Now
	}
	return m
}

func (m *Model) State() State {
	if m.current.Load() != nil {
		return Trained
	}
	return Untrained
}

// Train fits efficiency and OEE regressors on the same rows, evaluates them on
// a seeded hold-out split, persists the version and only then makes it current.
// On any failure the previous snapshot keeps serving.
func (m *Model) Train(ctx context.Context, records []model.ProductionRecord) (TrainingReport, error) {
	if len(records) < m.minRecords {
		return TrainingReport{}, fmt.Errorf("%w: need at least %d records, have %d",
			apperr.ErrInsufficientData, m.minRecords, len(records))
	}
	ds, err := buildDataset(records)
	if err != nil {
		return TrainingReport{}, err
	}

	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	seq, err := m.nextSeq(ctx)
	if err != nil {
		return TrainingReport{}, err
	}
	version := fmt.Sprintf("v%d", seq)
	started := m.now()

	trainIdx, testIdx := holdout(len(records), m.testFraction, m.splitSeed)
	trainX, trainEff, trainOEE := ds.rows(trainIdx)
	testX, testEff, testOEE := ds.rows(testIdx)

	var effModel, oeeModel Regressor
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		effModel, err = m.algo.Fit(trainX, trainEff)
		if err != nil {
			return fmt.Errorf("fit efficiency: %w", err)
		}
		return gctx.Err()
	})
	g.Go(func() (err error) {
		oeeModel, err = m.algo.Fit(trainX, trainOEE)
		if err != nil {
			return fmt.Errorf("fit oee: %w", err)
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return TrainingReport{}, err
	}

	effPred := predictAll(effModel, testX)
	report := TrainingReport{
		Version:       version,
		EfficiencyR2:  rSquared(effPred, testEff),
		EfficiencyMSE: meanSquaredError(effPred, testEff),
		OEER2:         rSquared(predictAll(oeeModel, testX), testOEE),
		SampleCount:   len(records),
		TrainCount:    len(trainIdx),
		TestCount:     len(testIdx),
	}

	snap := &Snapshot{
		Version:    version,
		Seq:        seq,
		Algorithm:  m.algo.Name(),
		TrainedAt:  started,
		Report:     report,
		efficiency: effModel,
		oee:        oeeModel,
	}
	if err := m.persist(ctx, snap); err != nil {
		return TrainingReport{}, err
	}
	m.current.Store(snap)

	m.log.Infow("model trained",
		"version", version,
		"samples", report.SampleCount,
		"efficiencyR2", report.EfficiencyR2,
		"oeeR2", report.OEER2,
		"elapsed", m.now().Sub(started).String(),
	)
	return report, nil
}

// Snapshot returns the current version, loading the latest persisted one on
// first use. ErrModelNotTrained means no version exists anywhere.
func (m *Model) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := m.current.Load(); s != nil {
		return s, nil
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if s := m.current.Load(); s != nil {
		return s, nil
	}
	if m.store == nil {
		return nil, apperr.ErrModelNotTrained
	}
	a, err := m.store.LoadLatest(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			return nil, apperr.ErrModelNotTrained
		}
		return nil, apperr.Persistence("load model", err)
	}
	s, err := m.decode(a)
	if err != nil {
		return nil, apperr.Persistence("decode model", err)
	}
	// A concurrent Train may have installed a newer version meanwhile.
	if !m.current.CompareAndSwap(nil, s) {
		return m.current.Load(), nil
	}
	m.log.Infow("model loaded", "version", s.Version)
	return s, nil
}

// Refresh installs the latest persisted version when it is newer than the one
// in memory. It reports whether the current snapshot changed.
func (m *Model) Refresh(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	a, err := m.store.LoadLatest(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Persistence("load model", err)
	}
	cur := m.current.Load()
	if cur != nil && cur.Seq >= a.Seq {
		return false, nil
	}
	s, err := m.decode(a)
	if err != nil {
		return false, apperr.Persistence("decode model", err)
	}
	for {
		if m.current.CompareAndSwap(cur, s) {
			m.log.Infow("model refreshed", "version", s.Version)
			return true, nil
		}
		cur = m.current.Load()
		if cur != nil && cur.Seq >= s.Seq {
			return false, nil
		}
	}
}

// Predict estimates (efficiency, oee) with the current snapshot.
func (m *Model) Predict(ctx context.Context, f Features) (float64, float64, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	eff, oee := s.Predict(f)
	return eff, oee, nil
}

func (m *Model) nextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if s := m.current.Load(); s != nil {
		seq = s.Seq
	}
	if sr, ok := m.store.(seqReader); ok {
		latest, err := sr.LatestSeq(ctx)
		if err != nil {
			return 0, apperr.Persistence("read latest model", err)
		}
		if latest > seq {
			seq = latest
		}
	} else if m.store != nil {
		a, err := m.store.LoadLatest(ctx)
		switch {
		case errors.Is(err, snapshot.ErrNoSnapshot):
		case err != nil:
			return 0, apperr.Persistence("read latest model", err)
		case a.Seq > seq:
			seq = a.Seq
		}
	}
	return seq + 1, nil
}

func (m *Model) persist(ctx context.Context, s *Snapshot) error {
	if m.store == nil {
		return nil
	}
	eff, err := m.algo.Encode(s.efficiency)
	if err != nil {
		return fmt.Errorf("encode efficiency model: %w", err)
	}
	oee, err := m.algo.Encode(s.oee)
	if err != nil {
		return fmt.Errorf("encode oee model: %w", err)
	}
	report, err := json.Marshal(s.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	a := snapshot.Artifacts{
		Version:    s.Version,
		Seq:        s.Seq,
		Algorithm:  s.Algorithm,
		CreatedAt:  s.TrainedAt,
		Report:     report,
		Efficiency: eff,
		OEE:        oee,
	}
	if err := m.store.Save(ctx, a); err != nil {
		return apperr.Persistence("save model "+s.Version, err)
	}
	return nil
}

func (m *Model) decode(a snapshot.Artifacts) (*Snapshot, error) {
	if a.Algorithm != "" && a.Algorithm != m.algo.Name() {
		return nil, fmt.Errorf("version %s uses %q, model runs %q", a.Version, a.Algorithm, m.algo.Name())
	}
	eff, err := m.algo.Decode(a.Efficiency)
	if err != nil {
		return nil, fmt.Errorf("efficiency: %w", err)
	}
	oee, err := m.algo.Decode(a.OEE)
	if err != nil {
		return nil, fmt.Errorf("oee: %w", err)
	}
	var report TrainingReport
	if len(a.Report) > 0 {
		if err := json.Unmarshal(a.Report, &report); err != nil {
			return nil, fmt.Errorf("report: %w", err)
		}
	}
	return &Snapshot{
		Version:    a.Version,
		Seq:        a.Seq,
		Algorithm:  a.Algorithm,
		TrainedAt:  a.CreatedAt,
		Report:     report,
		efficiency: eff,
		oee:        oee,
	}, nil
}

// holdout shuffles 0..n-1 with seed and returns (train, test) with
// ceil(fraction*n) test rows, keeping at least one row on each side.
func holdout(n int, fraction float64, seed int64) (train, test []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	testN := int(math.Ceil(fraction * float64(n)))
	if testN < 1 {
		testN = 1
	}
	if testN > n-1 {
		testN = n - 1
	}
	return perm[testN:], perm[:testN]
}

func predictAll(r Regressor, x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = r.Predict(row)
	}
	return out
}

// rSquared is 0 when undefined, e.g. a constant test target.
func rSquared(pred, actual []float64) float64 {
	r2 := stat.RSquaredFrom(pred, actual, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		return 0
	}
	return r2
}

func meanSquaredError(pred, actual []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	d := make([]float64, len(pred))
	floats.SubTo(d, pred, actual)
	return floats.Dot(d, d) / float64(len(pred))
}
