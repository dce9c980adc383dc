package coordinator

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/trustee"
)

// errReserveBusy is returned when reserve outputs were taken mid-sweep.
var errReserveBusy = errors.New("reserve outputs are held")

// handoverHolder names the reserve lock of a handover sweep.
func handoverHolder(epoch uint64) string {
	return tagHandover + strconv.FormatUint(epoch, 10)
}

// startHandover moves an acknowledged rotation to signing and sweeps the
// outgoing reserve in the background.
func (c *Coordinator) startHandover(r *trustee.Rotation) {
	rot, err := c.trustees.StartHandover()
	if err != nil {
		logger.Warn("start handover", "epoch", r.Incoming.Epoch, "error", err)
		return
	}

	c.mu.Lock()
	c.handover = true
	c.mu.Unlock()

	logger.Info("handover started",
		"outgoing", rot.Outgoing.Epoch,
		"incoming", rot.Incoming.Epoch,
	)

	c.wg.Add(1)
	go c.runHandover(rot)
}

// runHandover sweeps and records the outcome. A failed sweep returns the
// rotation to acknowledged so the dispatcher retries it.
func (c *Coordinator) runHandover(r *trustee.Rotation) {
	defer c.wg.Done()

	err := c.sweep(r)

	c.mu.Lock()
	c.handover = false
	c.mu.Unlock()

	if err == nil {
		return
	}

	// Shutdown leaves the rotation in signing for recovery on restart.
	if c.ctx.Err() != nil {
		return
	}

	c.reserve.Unlock(handoverHolder(r.Incoming.Epoch))

	if ferr := c.trustees.HandoverFailed(err); ferr != nil {
		logger.Error("record handover failure", "error", ferr)
	}
}

// sweep spends every outgoing reserve output to the incoming hot key
// with the outgoing set's signature. An empty reserve completes the
// rotation at once.
func (c *Coordinator) sweep(r *trustee.Rotation) error {
	holder := handoverHolder(r.Incoming.Epoch)
	inputs := c.reserve.Available(r.Outgoing.Epoch)

	if len(inputs) == 0 {
		var none chainhash.Hash
		if err := c.trustees.HandoverBroadcast(none); err != nil {
			return err
		}
		return c.trustees.CompleteRotation(none)
	}

	txid, amount, err := c.moveOutputs(r.Outgoing, r.Incoming, holder, inputs)
	if err != nil {
		return err
	}

	if err := c.trustees.HandoverBroadcast(txid); err != nil {
		return err
	}

	if c.watcher != nil {
		c.watcher.Watch(txid, holder)
	}

	logger.Info("handover broadcast",
		"incoming", r.Incoming.Epoch,
		"inputs", len(inputs),
		"amount", amount,
		"txid", txid,
	)

	return nil
}

// moveOutputs locks inputs of from under holder, pays them to the hot key
// of to and publishes the spend. The new output stays held by holder
// until the spend confirms.
func (c *Coordinator) moveOutputs(from, to *trustee.Set, holder string, inputs []btc.UTXO) (chainhash.Hash, int64, error) {
	dest, err := to.HotScript()
	if err != nil {
		return chainhash.Hash{}, 0, err
	}

	if !c.reserve.Lock(holder, inputs) {
		return chainhash.Hash{}, 0, errReserveBusy
	}

	tx, changeIdx, err := btc.BuildSpend(inputs, nil, c.cfg.HandoverFee, dest, c.cfg.Params)
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("build sweep:\n%w", err)
	}

	if _, err := c.signSpend(c.ctx, from, holder, tx, inputs); err != nil {
		return chainhash.Hash{}, 0, err
	}

	txid, err := c.broadcaster.Broadcast(c.ctx, btc.SerializeTx(tx))
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("broadcast sweep:\n%w", err)
	}

	c.reserve.Spend(holder)

	out := tx.TxOut[changeIdx]
	c.reserve.AddHeld(btc.UTXO{
		OutPoint: wire.OutPoint{Hash: txid, Index: uint32(changeIdx)},
		Amount:   out.Value,
		PkScript: out.PkScript,
	}, to.Epoch, holder)

	return txid, out.Value, nil
}

// startResidual sweeps outputs the previous set still controls into the
// current set. They appear when a deposit lands on the old hot key after
// the handover. Dust that cannot pay the sweep fee is left alone.
func (c *Coordinator) startResidual(current *trustee.Set) {
	prev := c.trustees.Previous()
	if prev == nil {
		return
	}

	inputs := c.reserve.Available(prev.Epoch)
	if len(inputs) == 0 {
		return
	}

	var total int64
	for _, u := range inputs {
		total += u.Amount
	}
	if total < c.cfg.HandoverFee+btc.DustLimit {
		return
	}

	c.mu.Lock()
	if c.residual {
		c.mu.Unlock()
		return
	}
	c.residual = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runResidual(prev, current, inputs)
}

// runResidual performs one residual sweep. A failure frees the inputs for
// the next dispatch.
func (c *Coordinator) runResidual(from, to *trustee.Set, inputs []btc.UTXO) {
	defer c.wg.Done()

	holder := tagSweep + uuid.NewString()

	txid, amount, err := c.moveOutputs(from, to, holder, inputs)

	c.mu.Lock()
	c.residual = false
	c.mu.Unlock()

	if err != nil {
		if c.ctx.Err() == nil {
			c.reserve.Unlock(holder)
			logger.Warn("residual sweep failed", "epoch", from.Epoch, "error", err)
		}
		return
	}

	if c.watcher != nil {
		c.watcher.Watch(txid, holder)
	}

	logger.Info("residual sweep broadcast",
		"from", from.Epoch,
		"to", to.Epoch,
		"inputs", len(inputs),
		"amount", amount,
		"txid", txid,
	)
}

// confirmSweep frees the output of a confirmed residual sweep.
func (c *Coordinator) confirmSweep(holder string, txid chainhash.Hash) {
	c.reserve.Unlock(holder)

	if c.watcher != nil {
		c.watcher.Unwatch(txid)
	}

	c.Wake()
}

// confirmHandover frees the swept output for the incoming set and
// activates it.
func (c *Coordinator) confirmHandover(epoch uint64, txid chainhash.Hash) {
	r, ok := c.trustees.Pending()
	if !ok || r.Incoming.Epoch != epoch || r.HandoverTxID != txid {
		return
	}

	if err := c.trustees.CompleteRotation(txid); err != nil {
		logger.Error("complete rotation", "epoch", epoch, "error", err)
		return
	}

	c.reserve.Unlock(handoverHolder(epoch))

	if c.watcher != nil {
		c.watcher.Unwatch(txid)
	}

	c.Wake()
}

// recoverHandover undoes a sweep interrupted before broadcast and
// re-watches one interrupted after. Residual sweep locks are released;
// inputs already spent are gone from the reserve, so at worst an
// unconfirmed sweep output becomes spendable early.
func (c *Coordinator) recoverHandover() {
	if n := c.reserve.UnlockPrefix(tagSweep); n > 0 {
		logger.Info("released residual sweep outputs", "outputs", n)
	}

	r, ok := c.trustees.Pending()
	if !ok {
		return
	}

	holder := handoverHolder(r.Incoming.Epoch)

	switch r.Stage {
	case trustee.StageSigning:
		c.reserve.Unlock(holder)
		if err := c.trustees.HandoverFailed(errors.New("interrupted by restart")); err != nil {
			logger.Error("recover handover", "error", err)
		}

	case trustee.StageBroadcast:
		if r.HandoverTxID == (chainhash.Hash{}) {
			if err := c.trustees.CompleteRotation(r.HandoverTxID); err != nil {
				logger.Error("recover empty handover", "error", err)
			}
			return
		}
		if c.watcher != nil {
			c.watcher.Watch(r.HandoverTxID, holder)
		}
	}
}
