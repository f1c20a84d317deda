// Package redis persists configuration records in a redis hash and feeds
// changes made by other processes back into a configuration admin through a
// pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/redis/go-redis/v9"

	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
)

var _ cm.Store = (*Store)(nil)

type Store struct {
	client  *redis.Client
	key     string
	channel string
}

type Option func(*Store)

// WithKey sets the hash holding the records. Changes are announced on
// key + ":changes".
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		key:    "scr:configurations",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.channel = s.key + ":changes"
	return s
}

func (s *Store) Load(ctx context.Context) ([]cm.Record, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}

	records := make([]cm.Record, 0, len(values))
	for pid, value := range values {
		rec, err := decode(value)
		if err != nil {
			log.Warn().Err(err).Str("pid", pid).Msg("skipping malformed configuration record")
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
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.key, rec.PID, value)
		p.Publish(ctx, s.channel, rec.PID)
		return nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, pid string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.key, pid)
		p.Publish(ctx, s.channel, pid)
		return nil
	})
	return err
}

// Watch applies every announced change to a until ctx is done. The
// announcement only names the pid; the record is read back from the hash.
func (s *Store) Watch(ctx context.Context, a cm.Applier) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if err := s.handle(ctx, msg.Payload, a); err != nil {
				log.Warn().Err(err).Str("pid", msg.Payload).Msg("failed to read announced configuration")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) handle(ctx context.Context, pid string, a cm.Applier) error {
	value, err := s.client.HGet(ctx, s.key, pid).Result()
	if stderrors.Is(err, redis.Nil) {
		a.ApplyDelete(pid)
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := decode(value)
	if err != nil {
		return err
	}
	a.Apply(rec)
	return nil
}

func decode(value string) (cm.Record, error) {
	var rec cm.Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return rec, err
	}
	if rec.PID == "" {
		return rec, errors.InvalidArgument("record without pid")
	}
	return rec, nil
}
