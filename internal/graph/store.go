// Package graph keeps organization-scoped agent nodes and their
// relationships in badger.
//
// Keys:
//
//	n/<org>/<node>                  node JSON
//	o/<org>/<from>/<type>/<to>      outgoing edge JSON
//	i/<org>/<to>/<type>/<from>      incoming edge JSON (mirror)
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/agentops/platform/pkg/logger"
)

var (
	ErrNodeExists     = errors.New("graph node already exists")
	ErrNodeNotFound   = errors.New("graph node not found")
	ErrTargetNotFound = errors.New("relationship target not found in organization")
	ErrInvalidID      = errors.New("invalid graph identifier")
)

type Node struct {
	ID             string         `json:"id"`
	OrganizationID int64          `json:"organizationId"`
	Kind           string         `json:"kind"`
	Properties     map[string]any `json:"properties,omitempty"`
	CreatedAtMs    int64          `json:"createdAtMs"`
}

// Relationship is an outgoing edge declared when a node is created.
type Relationship struct {
	Type       string         `json:"type"`
	TargetID   string         `json:"targetId"`
	Properties map[string]any `json:"properties,omitempty"`
}

type Edge struct {
	From        string         `json:"from"`
	To          string         `json:"to"`
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	CreatedAtMs int64          `json:"createdAtMs"`
}

type Store struct {
	db *badger.DB
}

// Open opens a store at path, or in memory when inMemory is set.
func Open(path string, inMemory bool, log *logger.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithInMemory(inMemory)
	if inMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log: log.WithField("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *badger.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func nodeKey(org int64, id string) []byte {
	return []byte("n/" + strconv.FormatInt(org, 10) + "/" + id)
}

func outKey(org int64, from, typ, to string) []byte {
	return []byte("o/" + strconv.FormatInt(org, 10) + "/" + from + "/" + typ + "/" + to)
}

func inKey(org int64, to, typ, from string) []byte {
	return []byte("i/" + strconv.FormatInt(org, 10) + "/" + to + "/" + typ + "/" + from)
}

func outPrefix(org int64, from string) []byte {
	return []byte("o/" + strconv.FormatInt(org, 10) + "/" + from + "/")
}

func inPrefix(org int64, to string) []byte {
	return []byte("i/" + strconv.FormatInt(org, 10) + "/" + to + "/")
}

func checkID(kind, id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, kind, id)
	}
	return nil
}

// CreateNode writes the node and its relationships in one transaction.
// Every relationship target must already exist in the same organization.
func (s *Store) CreateNode(ctx context.Context, node *Node, rels []Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID("node", node.ID); err != nil {
		return err
	}
	for _, r := range rels {
		if err := checkID("relationship type", r.Type); err != nil {
			return err
		}
		if err := checkID("target", r.TargetID); err != nil {
			return err
		}
	}
	if node.CreatedAtMs == 0 {
		node.CreatedAtMs = time.Now().UnixMilli()
	}

	return s.db.Update(func(txn *badger.Txn) error {
		org := node.OrganizationID
		if _, err := txn.Get(nodeKey(org, node.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrNodeExists, node.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		raw, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encode node: %w", err)
		}
		if err := txn.Set(nodeKey(org, node.ID), raw); err != nil {
			return err
		}

		for _, r := range rels {
			if r.TargetID != node.ID {
				if _, err := txn.Get(nodeKey(org, r.TargetID)); errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("%w: %s -[%s]-> %s", ErrTargetNotFound, node.ID, r.Type, r.TargetID)
				} else if err != nil {
					return err
				}
			}
			edge, err := json.Marshal(Edge{
				From: node.ID, To: r.TargetID, Type: r.Type,
				Properties: r.Properties, CreatedAtMs: node.CreatedAtMs,
			})
			if err != nil {
				return fmt.Errorf("encode edge: %w", err)
			}
			if err := txn.Set(outKey(org, node.ID, r.Type, r.TargetID), edge); err != nil {
				return err
			}
			if err := txn.Set(inKey(org, r.TargetID, r.Type, node.ID), edge); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetNode(ctx context.Context, org int64, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var node Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(org, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNodeNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		})
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Neighbors lists the outgoing edges of id, optionally filtered by type.
func (s *Store) Neighbors(ctx context.Context, org int64, id, relType string) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := outPrefix(org, id)
	if relType != "" {
		prefix = append(prefix, []byte(relType+"/")...)
	}

	var edges []Edge
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 32})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Edge
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return fmt.Errorf("decode edge: %w", err)
			}
			edges = append(edges, e)
		}
		return nil
	})
	return edges, err
}

// DeleteNode removes the node and every edge touching it. It reports
// whether the node existed; a missing node is not an error.
func (s *Store) DeleteNode(ctx context.Context, org int64, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkID("node", id); err != nil {
		return false, err
	}

	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(org, id)); err == nil {
			existed = true
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var doomed [][]byte
		collect := func(prefix []byte, mirror func(e Edge) []byte) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				var e Edge
				if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
					return fmt.Errorf("decode edge: %w", err)
				}
				doomed = append(doomed, it.Item().KeyCopy(nil), mirror(e))
			}
			return nil
		}
		if err := collect(outPrefix(org, id), func(e Edge) []byte { return inKey(org, e.To, e.Type, e.From) }); err != nil {
			return err
		}
		if err := collect(inPrefix(org, id), func(e Edge) []byte { return outKey(org, e.From, e.Type, e.To) }); err != nil {
			return err
		}

		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(nodeKey(org, id))
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

type badgerLogger struct {
	log *logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {}
