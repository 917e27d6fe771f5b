package twophase

import "fmt"

// PrepareIntentAppendOnlyCommitWork records one more append-only commit intent on the
// prepared transaction gid. The transaction may still be reserved.
func (c *Coordinator) PrepareIntentAppendOnlyCommitWork(gid string) error {
	_, err := c.pool.adjustIntents(gid, 1, c.cfg.MaxAppendOnlyIntents)
	return err
}

// PrepareDecrAppendOnlyCommitWork withdraws one append-only commit intent from gid.
func (c *Coordinator) PrepareDecrAppendOnlyCommitWork(gid string) error {
	_, err := c.pool.adjustIntents(gid, -1, c.cfg.MaxAppendOnlyIntents)
	return err
}

// adjustIntents adds delta to the intent counter of the active slot holding gid. A
// positive limit caps the counter.
func (p *Pool) adjustIntents(gid string, delta, limit int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.active {
		if g.gid != gid {
			continue
		}
		n := g.intents + delta
		if n < 0 {
			return g.intents, newError(CodeObjectNotInPrereqState, ErrIntentUnderflow, "",
				"prepared transaction %q has no append-only commit intents", gid)
		}
		if delta > 0 && limit > 0 && n > limit {
			return g.intents, newError(CodeProgramLimitExceeded, ErrIntentLimit,
				fmt.Sprintf("Increase max_append_only_intents (currently %d).", limit),
				"too many append-only commit intents for prepared transaction %q", gid)
		}
		g.intents = n
		return n, nil
	}
	return 0, newError(CodeUndefinedObject, ErrGidNotFound, "",
		"prepared transaction with identifier %q does not exist", gid)
}
