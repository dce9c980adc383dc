package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/coordinator"
	"TrusteeBridge/internal/logger"
)

const (
	// broadcastTimeout bounds one publish request.
	broadcastTimeout = 15 * time.Second

	// maxBroadcastReply bounds the body read from the endpoint.
	maxBroadcastReply = 4096
)

// esploraBroadcaster publishes transactions through an Esplora REST API.
type esploraBroadcaster struct {
	baseURL string
	http    *http.Client
}

// newBroadcaster returns an Esplora broadcaster for url, or a dry run
// broadcaster that only logs when url is empty.
func newBroadcaster(url string) coordinator.Broadcaster {
	if url == "" {
		return dryRunBroadcaster{}
	}

	return &esploraBroadcaster{
		baseURL: strings.TrimRight(url, "/"),
		http:    &http.Client{Timeout: broadcastTimeout},
	}
}

// Broadcast posts the hex transaction to /tx and checks the returned txid.
func (e *esploraBroadcaster) Broadcast(ctx context.Context, rawTx []byte) (chainhash.Hash, error) {
	tx, err := btc.DeserializeTx(rawTx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("decode tx:\n%w", err)
	}
	want := tx.TxHash()

	body := bytes.NewBufferString(hex.EncodeToString(rawTx))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", body)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("create request:\n%w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.http.Do(req)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("post tx:\n%w", err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxBroadcastReply))
	text := strings.TrimSpace(string(reply))

	if resp.StatusCode != http.StatusOK {
		return chainhash.Hash{}, fmt.Errorf("broadcast rejected (%d): %s", resp.StatusCode, text)
	}

	got, err := chainhash.NewHashFromStr(text)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("parse txid %q:\n%w", text, err)
	}
	if *got != want {
		return chainhash.Hash{}, fmt.Errorf("endpoint returned txid %s, want %s", got, want)
	}

	logger.Info("transaction broadcast", "txid", want, "size", len(rawTx))

	return want, nil
}

// dryRunBroadcaster logs transactions instead of publishing them.
type dryRunBroadcaster struct{}

func (dryRunBroadcaster) Broadcast(_ context.Context, rawTx []byte) (chainhash.Hash, error) {
	tx, err := btc.DeserializeTx(rawTx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("decode tx:\n%w", err)
	}

	logger.Warn("broadcast disabled, transaction not published",
		"txid", tx.TxHash(),
		"raw", hex.EncodeToString(rawTx),
	)

	return tx.TxHash(), nil
}
