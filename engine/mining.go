package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weavernet/weaver/mining"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/pow"
	"github.com/weavernet/weaver/pubsub"
)

// unfinishedHeaderLimit bounds how many distinct child blocks an unfinished
// candidate may accumulate before it is discarded as stale.
const unfinishedHeaderLimit = 6

// startMining assembles a candidate block from the persisted tips and forks
// a worker for it. Runs on the engine task. Persistence failures here are
// fatal to the attempt and surface to the caller.
func (e *Engine) startMining(ctx context.Context, trigger *models.ChildHeader) error {
	keys := make([]string, 0, len(e.cfg.KnownRovers)+1)
	for _, chain := range e.cfg.KnownRovers {
		keys = append(keys, keyChainLatest(chain))
	}
	keys = append(keys, keyLatest)

	values, err := e.store.GetBatch(ctx, keys)
	if err != nil {
		return fmt.Errorf("failed to load mining context: %w", err)
	}

	tips := make(map[models.Chain]*models.ChildHeader, len(e.cfg.KnownRovers))
	for i, chain := range e.cfg.KnownRovers {
		if values[i] == nil {
			return fmt.Errorf("no persisted tip for %s", chain)
		}
		tip, err := unmarshalChildHeader(values[i])
		if err != nil {
			return err
		}
		tips[chain] = tip
	}
	if values[len(values)-1] == nil {
		return fmt.Errorf("no persisted %s", keyLatest)
	}
	lastParent, err := models.DeserializeBlock(values[len(values)-1])
	if err != nil {
		return err
	}

	// A candidate that has been rebuilt across too many child blocks is
	// stale; drop it and assemble fresh.
	if e.unfinished != nil && len(e.unfinished.HeaderHashSet()) >= unfinishedHeaderLimit {
		e.unfinished = nil
		e.unfinishedData = nil
	}

	candidate, finalTS, err := pow.PrepareNewBlock(e.clk.NowS(), lastParent, tips,
		trigger, nil, e.cfg.MinerAddress, e.unfinished)
	if err != nil {
		return fmt.Errorf("failed to prepare candidate: %w", err)
	}

	work := pow.PrepareWork(lastParent.Hash, candidate.BlockchainHeaders)
	candidate.TimestampS = finalTS

	prevHashes := lastParent.HeaderHashSet()
	var newHeaders []*models.ChildHeader
	for _, chain := range models.Chains() {
		for _, h := range candidate.BlockchainHeaders.Get(chain) {
			if _, seen := prevHashes[h.Hash]; !seen {
				newHeaders = append(newHeaders, h)
			}
		}
	}

	e.unfinished = candidate
	e.unfinishedData = &assemblyContext{
		work:       work,
		lastParent: lastParent,
		newHeaders: newHeaders,
	}

	if e.worker != nil {
		// Preempt; the next tip re-enters with no worker running.
		e.restartMining()
		return nil
	}

	return e.forkWorker(ctx, candidate, finalTS)
}

// forkWorker launches the worker process for the current candidate.
func (e *Engine) forkWorker(ctx context.Context, candidate *models.ParentBlock, finalTS uint64) error {
	prevBytes, err := e.unfinishedData.lastParent.Serialize()
	if err != nil {
		return err
	}
	newHeaderBytes, err := json.Marshal(e.unfinishedData.newHeaders)
	if err != nil {
		return err
	}

	job := &mining.Job{
		CurrentTimestampS: finalTS,
		OffsetMS:          e.clk.OffsetMS(),
		Work:              e.unfinishedData.work,
		MinerKey:          e.cfg.MinerAddress,
		MerkleRoot:        candidate.MerkleRoot,
		Difficulty:        candidate.Difficulty.String(),
		DifficultyData: mining.DifficultyData{
			CurrentTimestampS: finalTS,
			PrevBlockBytes:    prevBytes,
			NewHeadersBytes:   newHeaderBytes,
		},
	}

	worker, err := e.launcher.Launch(job)
	if err != nil {
		e.unfinished = nil
		e.unfinishedData = nil
		return fmt.Errorf("failed to fork mining worker: %w", err)
	}

	e.worker = worker
	e.workerGen++
	gen := e.workerGen
	go e.monitorWorker(worker, gen)

	e.logger.Info("mining worker started",
		"height", candidate.Height, "difficulty", candidate.Difficulty.String())
	return nil
}

// monitorWorker relays worker events onto the engine task.
func (e *Engine) monitorWorker(w mining.Handle, gen uint64) {
	relay := func(sol *models.Solution) {
		e.post(func() {
			if gen != e.workerGen {
				e.logger.Debug("discarding solution from preempted worker")
				return
			}
			e.onWorkerSolution(context.Background(), sol)
		})
	}
	for {
		select {
		case sol := <-w.Solutions():
			relay(sol)
		case err := <-w.Exited():
			// A solution sent just before the exit may still be buffered;
			// relay it ahead of the exit so it is not lost.
			select {
			case sol := <-w.Solutions():
				relay(sol)
			default:
			}
			e.post(func() { e.onWorkerExit(gen, err) })
			return
		}
	}
}

// restartMining stops the current worker. The replacement is forked on the
// next event, from the replaced candidate.
func (e *Engine) restartMining() {
	e.stopMiningLocked()
}

// StopMining stops a running worker. Returns true iff one was running.
func (e *Engine) StopMining() bool {
	stopped := false
	e.call(func() error {
		stopped = e.stopMiningLocked()
		return nil
	})
	return stopped
}

// stopMiningLocked is the task-side stop. Idempotent, fire-and-forget.
func (e *Engine) stopMiningLocked() bool {
	if e.worker == nil {
		return false
	}
	e.worker.Stop()
	e.worker = nil
	e.workerGen++
	return true
}

// onWorkerSolution patches the unfinished candidate with the solution,
// validates it, integrates it and publishes the lifecycle events.
func (e *Engine) onWorkerSolution(ctx context.Context, sol *models.Solution) {
	if e.unfinished == nil {
		e.logger.Warn("worker solution with no unfinished block, dropping")
		return
	}

	block := e.unfinished
	block.Nonce = sol.Nonce
	block.Distance = sol.Distance.Copy()
	block.TimestampS = sol.TimestampS
	block.Difficulty = sol.Difficulty.Copy()

	total := &models.BigInt{}
	total.Add(&e.unfinishedData.lastParent.TotalDistance.Int, &sol.Distance.Int)
	block.TotalDistance = total

	if err := models.IsValidBlock(block); err != nil {
		e.logger.Warn("mined block failed validation", "error", err)
		e.unfinished = nil
		e.unfinishedData = nil
		return
	}

	if !e.processMinedBlock(block) {
		e.unfinished = nil
		e.unfinishedData = nil
		return
	}

	if err := e.broadcaster.BroadcastBlock(ctx, block); err != nil {
		e.logger.Warn("failed to broadcast mined block", "error", err)
	}

	// Subscribers observe the tip update before the mined notification.
	e.bus.Publish(pubsub.TopicUpdateBlockLatest, &pubsub.Msg{Data: block})
	e.bus.Publish(pubsub.TopicBlockMined, &pubsub.Msg{Data: block})

	e.logger.Info("block mined",
		"height", block.Height, "hash", block.Hash,
		"distance", block.Distance.String(), "iterations", sol.Iterations)

	e.unfinished = nil
	e.unfinishedData = nil
}

// processMinedBlock integrates a solved block into the multiverse.
func (e *Engine) processMinedBlock(block *models.ParentBlock) bool {
	if !e.mv.Add(block, false) {
		e.logger.Warn("mined block rejected by multiverse",
			"height", block.Height, "hash", block.Hash)
		return false
	}
	e.knownBlocks.Add(block.Hash, block)
	return true
}

// onWorkerExit releases the worker handle. A non-zero exit clears the
// unfinished candidate; the next rover tip mines fresh.
func (e *Engine) onWorkerExit(gen uint64, err error) {
	if gen != e.workerGen {
		return
	}
	e.worker = nil
	e.workerGen++

	if err != nil {
		e.logger.Warn("mining worker crashed", "error", err)
		e.unfinished = nil
		e.unfinishedData = nil
		return
	}
	e.logger.Debug("mining worker exited")
}
