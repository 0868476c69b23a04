package pricefeed

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// TxConfirmation is a push-delivered signature result
type TxConfirmation struct {
	Signature string
	Slot      uint64
	Confirmed bool
	Error     string
}

// ConfirmWatcher pushes signature confirmations the moment the chain
// reports them, ahead of the monitor's polling sweep. The poll remains the
// safety net; this is the fast path.
type ConfirmWatcher struct {
	client *Client

	mu        sync.RWMutex
	subs      map[string]uint64
	callbacks map[string]func(TxConfirmation)
}

func NewConfirmWatcher(client *Client) *ConfirmWatcher {
	return &ConfirmWatcher{
		client:    client,
		subs:      make(map[string]uint64),
		callbacks: make(map[string]func(TxConfirmation)),
	}
}

// Watch subscribes to a signature and calls callback once on confirmation
func (w *ConfirmWatcher) Watch(signature string, callback func(TxConfirmation)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.callbacks[signature] = callback

	subID, err := w.client.SignatureSubscribe(signature, func(data json.RawMessage) {
		w.handleConfirmation(signature, data)
	})
	if err != nil {
		delete(w.callbacks, signature)
		return err
	}
	w.subs[signature] = subID

	log.Debug().
		Str("sig", truncateStr(signature, 12)).
		Uint64("subID", subID).
		Msg("watching signature")
	return nil
}

func (w *ConfirmWatcher) handleConfirmation(signature string, data json.RawMessage) {
	var update struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Err interface{} `json:"err"` // null if success
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Warn().Err(err).Msg("failed to parse signature notification")
		return
	}

	confirmation := TxConfirmation{
		Signature: signature,
		Slot:      update.Context.Slot,
		Confirmed: update.Value.Err == nil,
	}
	if update.Value.Err != nil {
		errBytes, _ := json.Marshal(update.Value.Err)
		confirmation.Error = string(errBytes)
	}

	w.mu.Lock()
	callback, exists := w.callbacks[signature]
	delete(w.callbacks, signature)
	if subID, ok := w.subs[signature]; ok {
		delete(w.subs, signature)
		// The server auto-cancels after notifying; explicit unsubscribe is
		// harmless cleanup
		go w.client.Unsubscribe("signatureUnsubscribe", subID)
	}
	w.mu.Unlock()

	if exists {
		go callback(confirmation)
	}

	if confirmation.Confirmed {
		log.Info().
			Str("sig", truncateStr(signature, 12)).
			Uint64("slot", confirmation.Slot).
			Msg("signature confirmed")
	} else {
		log.Error().
			Str("sig", truncateStr(signature, 12)).
			Str("error", confirmation.Error).
			Msg("signature failed")
	}
}

// Stop drops every outstanding watch
func (w *ConfirmWatcher) Stop() {
	w.mu.Lock()
	for sig, subID := range w.subs {
		w.client.Unsubscribe("signatureUnsubscribe", subID)
		delete(w.subs, sig)
		delete(w.callbacks, sig)
	}
	w.mu.Unlock()
}
