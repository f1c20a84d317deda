// Package etcd persists configuration records in etcd and feeds changes made
// by other processes back into a configuration admin.
package etcd

import (
	"context"
	"encoding/json"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
)

var _ cm.Store = (*Store)(nil)

type Store struct {
	client *clientv3.Client
	prefix string
}

type Option func(*Store)

// WithPrefix sets the key prefix; records live under prefix + "/" + pid.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, "/")
	}
}

func NewStore(client *clientv3.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "/scr/configurations",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(pid string) string {
	return s.prefix + "/" + pid
}

func (s *Store) pid(key string) string {
	return strings.TrimPrefix(key, s.prefix+"/")
}

func (s *Store) Load(ctx context.Context) ([]cm.Record, error) {
	resp, err := s.client.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]cm.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := decode(kv.Value)
		if err != nil {
			log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed configuration record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Save(ctx context.Context, rec cm.Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidArgument, "configuration %s is not serializable", rec.PID)
	}
	_, err = s.client.Put(ctx, s.key(rec.PID), string(value))
	return err
}

func (s *Store) Delete(ctx context.Context, pid string) error {
	_, err := s.client.Delete(ctx, s.key(pid))
	return err
}

// Watch applies every change under the prefix to a until ctx is done.
func (s *Store) Watch(ctx context.Context, a cm.Applier) error {
	watchChan := s.client.Watch(ctx, s.prefix+"/", clientv3.WithPrefix())
	for {
		select {
		case resp, ok := <-watchChan:
			if !ok {
				return ctx.Err()
			}
			if err := resp.Err(); err != nil {
				return err
			}
			for _, event := range resp.Events {
				s.handle(event, a)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) handle(event *clientv3.Event, a cm.Applier) {
	switch event.Type {
	case clientv3.EventTypePut:
		rec, err := decode(event.Kv.Value)
		if err != nil {
			log.Warn().Err(err).Str("key", string(event.Kv.Key)).Msg("ignoring malformed configuration record")
			return
		}
		a.Apply(rec)
	case clientv3.EventTypeDelete:
		a.ApplyDelete(s.pid(string(event.Kv.Key)))
	}
}

func decode(value []byte) (cm.Record, error) {
	var rec cm.Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return rec, err
	}
	if rec.PID == "" {
		return rec, errors.InvalidArgument("record without pid")
	}
	return rec, nil
}
