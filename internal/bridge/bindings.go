package bridge

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/storage"
)

const (
	prefixBinding   = "b:a:" // prefixBinding + address -> bindingRecord
	prefixUnclaimed = "b:u:" // prefixUnclaimed + address + "/" + txid -> Unclaimed
)

// ErrInvalidBinding is returned for a binding with a bad address or account.
var ErrInvalidBinding = errors.New("invalid address binding")

type bindingRecord struct {
	Account string `codec:"account"`
}

// Unclaimed is a confirmed deposit that named no recipient, waiting for
// its sender address to be bound to an account.
type Unclaimed struct {
	TxID   string `json:"txid" codec:"txid"`
	Sender string `json:"sender" codec:"sender"`
	Amount int64  `json:"amount" codec:"amount"`
	Height uint64 `json:"height" codec:"height"`
}

// Bindings maps Bitcoin sender addresses to ledger accounts. A deposit
// carrying an account binds its sender address, later deposits from that
// address without one are credited to the bound account.
type Bindings struct {
	db *storage.Storage

	mu        sync.Mutex
	bound     map[string]string       // bound maps addresses to accounts
	unclaimed map[string][]*Unclaimed // unclaimed holds deposits by sender
}

// NewBindings creates the binding table, loading it from db when not nil.
func NewBindings(db *storage.Storage) (*Bindings, error) {
	b := &Bindings{
		db:        db,
		bound:     make(map[string]string),
		unclaimed: make(map[string][]*Unclaimed),
	}

	if db == nil {
		return b, nil
	}

	err := db.IteratePrefix([]byte(prefixBinding), func(key, value []byte) error {
		var rec bindingRecord
		if err := storage.Decode(value, &rec); err != nil {
			return err
		}
		b.bound[string(key[len(prefixBinding):])] = rec.Account
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load bindings:\n%w", err)
	}

	err = db.IteratePrefix([]byte(prefixUnclaimed), func(_, value []byte) error {
		var u Unclaimed
		if err := storage.Decode(value, &u); err != nil {
			return err
		}
		b.unclaimed[u.Sender] = append(b.unclaimed[u.Sender], &u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load unclaimed deposits:\n%w", err)
	}

	return b, nil
}

func bindingKey(addr string) []byte {
	return storage.Key(prefixBinding, []byte(addr))
}

func unclaimedKey(u *Unclaimed) []byte {
	return storage.Key(prefixUnclaimed, []byte(u.Sender+"/"+u.TxID))
}

// Account returns the account bound to addr.
func (b *Bindings) Account(addr string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	account, ok := b.bound[addr]

	return account, ok
}

// Bind points addr at account, replacing any earlier binding, and returns
// the unclaimed deposits of addr, which are now owed to account.
func (b *Bindings) Bind(addr, account string) []Unclaimed {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bound[addr] = account
	released := b.unclaimed[addr]
	delete(b.unclaimed, addr)

	if b.db != nil {
		pairs := make([]storage.KeyValue, 0, len(released)+1)

		data, err := storage.Encode(bindingRecord{Account: account})
		if err == nil {
			pairs = append(pairs, storage.KeyValue{Key: bindingKey(addr), Value: data})
		}
		for _, u := range released {
			pairs = append(pairs, storage.KeyValue{Key: unclaimedKey(u)})
		}

		if err := b.db.SyncBatch(pairs); err != nil {
			logger.Error("persist binding", "address", addr, "error", err)
		}
	}

	out := make([]Unclaimed, len(released))
	for i, u := range released {
		out[i] = *u
	}

	return out
}

// Hold records a deposit without recipient under its sender. A deposit
// already held is ignored.
func (b *Bindings) Hold(u Unclaimed) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, held := range b.unclaimed[u.Sender] {
		if held.TxID == u.TxID {
			return false
		}
	}

	b.unclaimed[u.Sender] = append(b.unclaimed[u.Sender], &u)

	if b.db != nil {
		if err := b.db.PutRecord(unclaimedKey(&u), u); err != nil {
			logger.Error("persist unclaimed deposit", "txid", u.TxID, "error", err)
		}
	}

	return true
}

// Unclaimed returns the held deposits ordered by height, then txid.
func (b *Bindings) Unclaimed() []Unclaimed {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Unclaimed
	for _, held := range b.unclaimed {
		for _, u := range held {
			out = append(out, *u)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return out[i].TxID < out[j].TxID
	})

	return out
}

// creditDeposit adds a confirmed deposit to the reserve and reports it.
// A recipient binds the sender address and releases its unclaimed
// deposits; without one the sender's binding decides, and a deposit with
// neither is reported unclaimed.
func (b *Bridge) creditDeposit(d headers.Deposit) {
	b.coord.AddDeposit(d.UTXOs)

	recipient, referral := d.Recipient, d.Referral

	switch {
	case recipient != "" && d.Sender != "":
		for _, u := range b.bindings.Bind(d.Sender, recipient) {
			b.emitCredit(u, recipient)
		}

	case recipient == "":
		account, ok := "", false
		if d.Sender != "" {
			account, ok = b.bindings.Account(d.Sender)
		}

		if !ok {
			u := Unclaimed{TxID: d.TxID.String(), Sender: d.Sender, Amount: d.Amount, Height: d.Height}
			if d.Sender != "" {
				b.bindings.Hold(u)
			}

			logger.Warn("deposit without recipient", "txid", d.TxID, "sender", d.Sender, "amount", d.Amount)
			b.events.Append(Event{
				Kind:   EventDepositUnclaimed,
				TxID:   u.TxID,
				Amount: u.Amount,
				Sender: u.Sender,
				Height: u.Height,
			})
			return
		}

		recipient = account
	}

	b.events.Append(Event{
		Kind:      EventDepositConfirmed,
		TxID:      d.TxID.String(),
		Amount:    d.Amount,
		Recipient: recipient,
		Referral:  referral,
		Sender:    d.Sender,
		Height:    d.Height,
	})
}

// emitCredit reports an unclaimed deposit as credited to account.
func (b *Bridge) emitCredit(u Unclaimed, account string) {
	logger.Info("unclaimed deposit credited", "txid", u.TxID, "sender", u.Sender, "account", account)

	b.events.Append(Event{
		Kind:      EventDepositConfirmed,
		TxID:      u.TxID,
		Amount:    u.Amount,
		Recipient: account,
		Sender:    u.Sender,
		Height:    u.Height,
	})
}

// BindAddress binds a Bitcoin address of this network to a ledger
// account and credits the address's unclaimed deposits. It returns how
// many were credited.
func (b *Bridge) BindAddress(addr, account string) (int, error) {
	if _, err := btc.AddressScript(addr, b.params); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBinding, err)
	}

	parsed, referral := btc.ParseRecipient([]byte(account))
	if parsed == "" || referral != "" || parsed != account {
		return 0, fmt.Errorf("%w: account %q", ErrInvalidBinding, account)
	}

	released := b.bindings.Bind(addr, account)
	for _, u := range released {
		b.emitCredit(u, account)
	}

	logger.Info("address bound", "address", addr, "account", account, "credited", len(released))

	return len(released), nil
}

// UnclaimedDeposits returns confirmed deposits waiting for a binding.
func (b *Bridge) UnclaimedDeposits() []Unclaimed {
	return b.bindings.Unclaimed()
}
