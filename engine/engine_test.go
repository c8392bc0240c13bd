package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/weavernet/weaver/blockpool"
	"github.com/weavernet/weaver/clock"
	"github.com/weavernet/weaver/digest"
	"github.com/weavernet/weaver/genesis"
	"github.com/weavernet/weaver/kvstore"
	"github.com/weavernet/weaver/kvstore/memory"
	"github.com/weavernet/weaver/mining"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/multiverse"
	"github.com/weavernet/weaver/p2p"
	"github.com/weavernet/weaver/pubsub"
)

// fakeHandle is a worker the test drives by hand.
type fakeHandle struct {
	solutions chan *models.Solution
	exited    chan error

	mu      sync.Mutex
	stopped bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		solutions: make(chan *models.Solution, 1),
		exited:    make(chan error, 1),
	}
}

func (h *fakeHandle) Solutions() <-chan *models.Solution { return h.solutions }
func (h *fakeHandle) Exited() <-chan error               { return h.exited }

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// fakeLauncher records forked jobs and hands out fake handles.
type fakeLauncher struct {
	mu      sync.Mutex
	jobs    []*mining.Job
	handles []*fakeHandle
}

func (l *fakeLauncher) Launch(job *mining.Job) (mining.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := newFakeHandle()
	l.jobs = append(l.jobs, job)
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

func (l *fakeLauncher) last() (*mining.Job, *fakeHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.jobs) == 0 {
		return nil, nil
	}
	return l.jobs[len(l.jobs)-1], l.handles[len(l.handles)-1]
}

// fakePeer records backward-sync queries.
type fakePeer struct {
	mu      sync.Mutex
	queries []p2p.QueryParams
	resp    []*models.ParentBlock
}

func (p *fakePeer) Query(ctx context.Context, params p2p.QueryParams) ([]*models.ParentBlock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, params)
	return p.resp, nil
}

func (p *fakePeer) lastQuery() *p2p.QueryParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queries) == 0 {
		return nil
	}
	q := p.queries[len(p.queries)-1]
	return &q
}

type testEnv struct {
	eng      *Engine
	store    kvstore.Store
	bus      *pubsub.Bus
	launcher *fakeLauncher
	clk      *clock.Manual
	gen      *models.ParentBlock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	bus := pubsub.New()
	mv := multiverse.New()
	gen := genesis.Block()

	pool, err := blockpool.New(store, bus, gen.Hash, nil)
	if err != nil {
		t.Fatalf("blockpool.New failed: %v", err)
	}

	clk := clock.NewManual((gen.TimestampS + 100) * 1000)
	launcher := &fakeLauncher{}

	eng, err := New(Config{
		MinerAddress:     "miner-1",
		PersistRoverData: true,
		Launcher:         launcher,
	}, clk, store, bus, mv, pool, nil, gen, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := eng.Init(ctx, "test"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	eng.Start(ctx)
	t.Cleanup(eng.Stop)

	return &testEnv{eng: eng, store: store, bus: bus, launcher: launcher, clk: clk, gen: gen}
}

func testTip(chain models.Chain, salt string) *models.ChildHeader {
	return &models.ChildHeader{
		Chain:                 chain,
		Hash:                  digest.Digest(salt + "-tip-" + string(chain)),
		PreviousHash:          digest.Digest(salt + "-prev-" + string(chain)),
		Height:                2000,
		MerkleRoot:            digest.Digest(salt + "-merkle-" + string(chain)),
		TimestampMS:           1_530_920_000_000,
		ConfirmationsInParent: 1,
	}
}

// feedAllTips delivers one tip per chain, enabling mining on the last one.
func (env *testEnv) feedAllTips(t *testing.T, salt string) {
	t.Helper()
	ctx := context.Background()
	for _, chain := range models.Chains() {
		if err := env.eng.OnRoverTip(ctx, chain, testTip(chain, salt)); err != nil {
			t.Fatalf("OnRoverTip(%s) failed: %v", chain, err)
		}
	}
}

// linkedOn builds n blocks chained on top of parent.
func linkedOn(parent *models.ParentBlock, tag string, n int, distance int64) []*models.ParentBlock {
	out := make([]*models.ParentBlock, 0, n)
	prev := parent
	for i := 0; i < n; i++ {
		h := prev.Height + 1
		headers := models.NewChildHeaderMap()
		for _, chain := range models.Chains() {
			headers.Set(chain, []*models.ChildHeader{{
				Chain:                 chain,
				Hash:                  digest.Digest(fmt.Sprintf("%s-%d-%s", tag, h, chain)),
				MerkleRoot:            digest.Digest(fmt.Sprintf("%s-%d-%s-mr", tag, h, chain)),
				Height:                h,
				ConfirmationsInParent: 1,
			}})
		}
		merkle := digest.Digest(fmt.Sprintf("%s-%d-merkle", tag, h))
		total := models.NewBigInt(distance)
		total.Add(&prev.TotalDistance.Int, &total.Int)
		b := &models.ParentBlock{
			Hash:              digest.Digest(prev.Hash + merkle),
			PreviousHash:      prev.Hash,
			Height:            h,
			Miner:             "miner-2",
			MerkleRoot:        merkle,
			TimestampS:        prev.TimestampS + 1,
			Difficulty:        models.NewBigInt(1),
			Distance:          models.NewBigInt(distance),
			TotalDistance:     total,
			BlockchainHeaders: headers,
		}
		out = append(out, b)
		prev = b
	}
	return out
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

func TestInitBootstrapsGenesis(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.store.Get(ctx, "bc.block.1")
	if err != nil {
		t.Fatalf("bc.block.1 missing after init: %v", err)
	}
	latest, err := env.store.Get(ctx, "bc.block.latest")
	if err != nil {
		t.Fatalf("bc.block.latest missing after init: %v", err)
	}
	if !bytes.Equal(first, latest) {
		t.Error("Genesis tip differs from height-1 value")
	}

	b, err := models.DeserializeBlock(first)
	if err != nil {
		t.Fatalf("Stored genesis undecodable: %v", err)
	}
	if b.Hash != env.gen.Hash {
		t.Errorf("Stored genesis hash %s, want %s", b.Hash, env.gen.Hash)
	}

	// Re-reading yields the byte-identical value.
	again, _ := env.store.Get(ctx, "bc.block.1")
	if !bytes.Equal(first, again) {
		t.Error("bc.block.1 is not stable across reads")
	}
}

func TestInitRejectsOldDBVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bus := pubsub.New()
	gen := genesis.Block()
	pool, _ := blockpool.New(store, bus, gen.Hash, nil)

	store.Put(ctx, "appversion", []byte(`{"version":"0.4.0","commit":"","db_version":"0.5.9"}`))

	eng, err := New(Config{MinerAddress: "m", Launcher: &fakeLauncher{}},
		clock.NewManual(1), store, bus, multiverse.New(), pool, nil, gen, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = eng.Init(ctx, "")
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Expected FatalError, got %v", err)
	}
	if fatal.Code != ExitDBVersionOld {
		t.Errorf("Expected exit code %d, got %d", ExitDBVersionOld, fatal.Code)
	}
}

func TestCanMineFlipsAfterAllChains(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chains := models.Chains()
	for _, chain := range chains[:len(chains)-1] {
		if err := env.eng.OnRoverTip(ctx, chain, testTip(chain, "warm")); err != nil {
			t.Fatalf("OnRoverTip failed: %v", err)
		}
		if env.eng.CanMine() {
			t.Fatal("can_mine flipped before all chains reported")
		}
	}
	if env.launcher.launchCount() != 0 {
		t.Fatal("Worker forked before all chains reported")
	}

	last := chains[len(chains)-1]
	if err := env.eng.OnRoverTip(ctx, last, testTip(last, "warm")); err != nil {
		t.Fatalf("OnRoverTip failed: %v", err)
	}
	if !env.eng.CanMine() {
		t.Error("can_mine did not flip once every chain reported")
	}
	if env.launcher.launchCount() != 1 {
		t.Errorf("Expected 1 worker fork, got %d", env.launcher.launchCount())
	}

	// Monotone: further tips never clear it.
	env.eng.OnRoverTip(ctx, last, testTip(last, "warm2"))
	if !env.eng.CanMine() {
		t.Error("can_mine was cleared")
	}
}

func TestFirstMinePublishesSolvedBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	var topicsSeen []string
	minedCh := make(chan struct{})
	env.bus.Subscribe(pubsub.TopicUpdateBlockLatest, func(topic string, _ *pubsub.Msg) {
		mu.Lock()
		topicsSeen = append(topicsSeen, topic)
		mu.Unlock()
	})
	env.bus.Subscribe(pubsub.TopicBlockMined, func(topic string, _ *pubsub.Msg) {
		mu.Lock()
		topicsSeen = append(topicsSeen, topic)
		mu.Unlock()
		close(minedCh)
	})

	env.feedAllTips(t, "mine")

	job, handle := env.launcher.last()
	if job == nil {
		t.Fatal("No worker forked")
	}
	if job.Work == "" || job.MerkleRoot == "" || job.MinerKey != "miner-1" {
		t.Errorf("Job missing fields: %+v", job)
	}

	difficulty, ok := new(big.Int).SetString(job.Difficulty, 10)
	if !ok {
		t.Fatalf("Job difficulty undecodable: %q", job.Difficulty)
	}

	distance := &models.BigInt{}
	distance.Add(difficulty, big.NewInt(1_000_000))
	diff := &models.BigInt{}
	diff.Set(difficulty)

	handle.solutions <- &models.Solution{
		Nonce:      "0.8414709848078965",
		Distance:   distance,
		TimestampS: job.CurrentTimestampS,
		Difficulty: diff,
		Iterations: 12345,
		TimeDiffMS: 1500,
	}
	handle.exited <- nil

	waitFor(t, minedCh, "block.mined")

	top := env.eng.Multiverse().Highest()
	if top == nil || top.Height != 2 {
		t.Fatalf("Expected mined block at height 2 as tip, got %+v", top)
	}
	if top.TotalDistance.Cmp(&distance.Int) != 0 {
		t.Error("Total distance does not equal genesis total plus distance")
	}

	latest, err := env.store.Get(ctx, "bc.block.latest")
	if err != nil {
		t.Fatalf("Tip not persisted: %v", err)
	}
	persisted, _ := models.DeserializeBlock(latest)
	if persisted.Hash != top.Hash {
		t.Error("Persisted tip differs from multiverse tip")
	}
	if _, err := env.store.Get(ctx, "bc.block.2"); err != nil {
		t.Error("Mined block not persisted at its height")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(topicsSeen) < 2 ||
		topicsSeen[0] != pubsub.TopicUpdateBlockLatest ||
		topicsSeen[1] != pubsub.TopicBlockMined {
		t.Errorf("Expected update.block.latest before block.mined, got %v", topicsSeen)
	}
}

func TestPeerBlockPreemptsWorkerAndQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A settled local chain: genesis plus 6 linked blocks.
	local := linkedOn(env.gen, "local", 6, 10)
	for _, b := range local {
		env.eng.Multiverse().Add(b, true)
	}
	tip := local[len(local)-1]
	data, _ := tip.Serialize()
	env.store.Put(ctx, "bc.block.latest", data)

	env.feedAllTips(t, "preempt")
	_, handle := env.launcher.last()
	if handle == nil {
		t.Fatal("No worker forked")
	}

	forceCh := make(chan struct{})
	env.bus.Subscribe(pubsub.TopicUpdateBlockLatest, func(_ string, msg *pubsub.Msg) {
		if msg.Force {
			select {
			case <-forceCh:
			default:
				close(forceCh)
			}
		}
	})

	// A peer block two heights above the local tip, strictly heavier, that
	// does not connect to anything local.
	foreign := linkedOn(env.gen, "foreign", int(tip.Height)+1, 40)
	peerBlock := foreign[len(foreign)-1]
	if peerBlock.Height != tip.Height+2 {
		t.Fatalf("Fixture error: peer block height %d, want %d", peerBlock.Height, tip.Height+2)
	}

	peer := &fakePeer{}
	if err := env.eng.OnPeerBlock(ctx, peer, peerBlock); err != nil {
		t.Fatalf("OnPeerBlock failed: %v", err)
	}

	waitFor(t, forceCh, "forced update.block.latest")

	if !handle.isStopped() {
		t.Error("Worker was not preempted")
	}

	q := peer.lastQuery()
	if q == nil {
		t.Fatal("Peer was not queried for backward sync")
	}
	if q.QueryHash != peerBlock.Hash || q.QueryHeight != peerBlock.Height {
		t.Errorf("Query anchored wrong: %+v", q)
	}
	if want := peerBlock.Height - 7; q.Low != want {
		t.Errorf("Expected low %d, got %d", want, q.Low)
	}
	if q.High != peerBlock.Height-1 {
		t.Errorf("Expected high %d, got %d", peerBlock.Height-1, q.High)
	}

	// Duplicate delivery is dropped by the known-blocks cache.
	if err := env.eng.OnPeerBlock(ctx, peer, peerBlock); err != nil {
		t.Fatalf("OnPeerBlock failed: %v", err)
	}
	peer.mu.Lock()
	queries := len(peer.queries)
	peer.mu.Unlock()
	if queries != 1 {
		t.Errorf("Expected 1 query, got %d", queries)
	}
}

func TestBackwardSyncAdoptsDominantMultiverse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	local := linkedOn(env.gen, "local", 6, 10)
	for _, b := range local {
		env.eng.Multiverse().Add(b, true)
	}

	// The peer chain shares our genesis and dominates in height and weight.
	foreign := linkedOn(env.gen, "dominant", 9, 50)
	peerBlock := foreign[len(foreign)-1] // height 10

	peer := &fakePeer{resp: foreign[1:8]} // heights 3..9

	if err := env.eng.OnPeerBlock(ctx, peer, peerBlock); err != nil {
		t.Fatalf("OnPeerBlock failed: %v", err)
	}

	top := env.eng.Multiverse().Highest()
	if top == nil || top.Hash != peerBlock.Hash {
		t.Fatalf("Expected adopted tip %s, got %+v", peerBlock.Hash, top)
	}

	// The adopted blocks were drained into the height keys.
	for _, b := range foreign[1:] {
		if _, err := env.store.Get(ctx, fmt.Sprintf("bc.block.%d", b.Height)); err != nil {
			t.Errorf("Adopted block %d not persisted: %v", b.Height, err)
		}
	}

	// The gap block below the checkpoint completes the sync.
	endCh := make(chan struct{})
	env.bus.Subscribe(pubsub.TopicCheckpointEnd, func(_ string, _ *pubsub.Msg) {
		close(endCh)
	})
	if err := env.eng.AddSyncBlock(ctx, foreign[0]); err != nil {
		t.Fatalf("AddSyncBlock failed: %v", err)
	}
	waitFor(t, endCh, "state.checkpoint.end")
}

func TestStoreHeightKeepsOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	orphan := linkedOn(env.gen, "orphan", 5, 10)[4]
	env.bus.Publish(pubsub.TopicBlockHeight, &pubsub.Msg{Data: orphan})

	data, err := env.store.Get(ctx, fmt.Sprintf("bc.block.%d", orphan.Height))
	if err != nil {
		t.Fatalf("Orphan was not persisted: %v", err)
	}
	b, _ := models.DeserializeBlock(data)
	if b.Hash != orphan.Hash {
		t.Error("Orphan persisted with wrong value")
	}
}

func TestStoreHeightIgnoresLowHeights(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g := env.gen.Copy()
	before, _ := env.store.Get(ctx, "bc.block.1")
	g.Miner = "someone-else"
	env.bus.Publish(pubsub.TopicBlockHeight, &pubsub.Msg{Data: g})

	after, _ := env.store.Get(ctx, "bc.block.1")
	if !bytes.Equal(before, after) {
		t.Error("Height-1 value must never be rewritten through state.block.height")
	}
}

func TestUpdateLatestIgnoresUnrelatedTip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stranger := linkedOn(env.gen, "stranger", 3, 10)[2]
	env.bus.Publish(pubsub.TopicUpdateBlockLatest, &pubsub.Msg{Data: stranger})

	latest, _ := env.store.Get(ctx, "bc.block.latest")
	b, _ := models.DeserializeBlock(latest)
	if b.Hash != env.gen.Hash {
		t.Error("Unrelated block replaced the tip without force")
	}

	env.bus.Publish(pubsub.TopicUpdateBlockLatest, &pubsub.Msg{Data: stranger, Force: true})
	latest, _ = env.store.Get(ctx, "bc.block.latest")
	b, _ = models.DeserializeBlock(latest)
	if b.Hash != stranger.Hash {
		t.Error("Forced update did not replace the tip")
	}
}

func TestStopMiningIdempotent(t *testing.T) {
	env := newTestEnv(t)

	if env.eng.StopMining() {
		t.Error("StopMining reported a worker before any was forked")
	}

	env.feedAllTips(t, "stop")
	if !env.eng.StopMining() {
		t.Error("StopMining did not report the running worker")
	}
	if env.eng.StopMining() {
		t.Error("Second StopMining reported a worker")
	}

	_, handle := env.launcher.last()
	if !handle.isStopped() {
		t.Error("Worker handle was not stopped")
	}
}
