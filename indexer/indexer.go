// Package indexer maintains secondary indexes over committed blocks so RPC
// callers can query orders/positions by owner without scanning full state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hotdex/node/core"
	"github.com/hotdex/node/events"
	"github.com/hotdex/node/storage"
)

const (
	prefixTraderOrders     = "idx:trader:order:"
	prefixUserOpenPosition = "idx:user:position:"
)

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventOrderPlaced, idx.onOrderPlaced)
	emitter.Subscribe(events.EventOrderCancelled, idx.onOrderCancelled)
	emitter.Subscribe(events.EventPositionOpened, idx.onPositionOpened)
	emitter.Subscribe(events.EventPositionClosed, idx.onPositionClosed)
	return idx
}

// GetOrdersByTrader returns every order ID trader has placed that has not
// since been cancelled from the index (fully filled orders remain listed;
// callers cross-reference core.State for fill status).
func (idx *Indexer) GetOrdersByTrader(trader string) ([]string, error) {
	return idx.getList(prefixTraderOrders + trader)
}

// GetOpenPositionsByUser returns the position IDs currently open for user.
func (idx *Indexer) GetOpenPositionsByUser(user string) ([]string, error) {
	return idx.getList(prefixUserOpenPosition + user)
}

// ---- event handlers ----

func (idx *Indexer) onOrderPlaced(ev events.Event) {
	trader, _ := ev.Data["trader"].(string)
	orderID, _ := ev.Data["order_id"].(string)
	if trader == "" || orderID == "" {
		return
	}
	if err := idx.addToList(prefixTraderOrders+trader, orderID); err != nil {
		log.Printf("[indexer] order index write failed (trader=%s order=%s): %v", trader, orderID, err)
	}
}

func (idx *Indexer) onOrderCancelled(ev events.Event) {
	trader, _ := ev.Data["trader"].(string)
	orderID, _ := ev.Data["order_id"].(string)
	if trader == "" || orderID == "" {
		return
	}
	if err := idx.removeFromList(prefixTraderOrders+trader, orderID); err != nil {
		log.Printf("[indexer] order index remove failed (trader=%s order=%s): %v", trader, orderID, err)
	}
}

func (idx *Indexer) onPositionOpened(ev events.Event) {
	user, _ := ev.Data["user"].(string)
	positionID, _ := ev.Data["position_id"].(string)
	if user == "" || positionID == "" {
		return
	}
	if err := idx.addToList(prefixUserOpenPosition+user, positionID); err != nil {
		log.Printf("[indexer] position index write failed (user=%s position=%s): %v", user, positionID, err)
	}
}

func (idx *Indexer) onPositionClosed(ev events.Event) {
	user, _ := ev.Data["user"].(string)
	positionID, _ := ev.Data["position_id"].(string)
	if user == "" || positionID == "" {
		return
	}
	if err := idx.removeFromList(prefixUserOpenPosition+user, positionID); err != nil {
		log.Printf("[indexer] position index remove failed (user=%s position=%s): %v", user, positionID, err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil // already present
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) removeFromList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	if ids == nil {
		return nil
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != value {
			filtered = append(filtered, id)
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
