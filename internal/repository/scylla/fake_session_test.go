package scylla

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// fakeSession keeps the five tables in memory and answers the statements the store issues.
type fakeSession struct {
	mu       sync.Mutex
	original map[string]string
	open     map[string]string
	records  map[string][]interface{}
	byUser   map[string][]userEntry
	pending  map[int]map[string]time.Time
	failures map[string]error
	before   func(stmt string)
}

type userEntry struct {
	createdAt time.Time
	id        string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		original: map[string]string{},
		open:     map[string]string{},
		records:  map[string][]interface{}{},
		byUser:   map[string][]userEntry{},
		pending:  map[int]map[string]time.Time{},
		failures: map[string]error{},
	}
}

// failOn makes every statement starting with prefix return err.
func (f *fakeSession) failOn(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, prefix)
		return
	}
	f.failures[prefix] = err
}

func (f *fakeSession) setOpenGuard(userID, callType, callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[userID+"|"+callType] = callID
}

func normalize(stmt string) string {
	return strings.Join(strings.Fields(stmt), " ")
}

func (f *fakeSession) enter(stmt string) (string, error) {
	stmt = normalize(stmt)
	if f.before != nil {
		f.before(stmt)
	}
	f.mu.Lock()
	for prefix, err := range f.failures {
		if strings.HasPrefix(stmt, prefix) {
			f.mu.Unlock()
			return "", err
		}
	}
	return stmt, nil
}

func (f *fakeSession) Exec(_ context.Context, stmt string, args ...interface{}) error {
	stmt, err := f.enter(stmt)
	if err != nil {
		return err
	}
	defer f.mu.Unlock()

	switch {
	case strings.HasPrefix(stmt, "INSERT INTO call_records_by_user"):
		user := args[0].(string)
		f.byUser[user] = append(f.byUser[user], userEntry{createdAt: args[1].(time.Time), id: args[2].(string)})
	case strings.HasPrefix(stmt, "INSERT INTO call_records ("):
		f.records[args[0].(string)] = append([]interface{}(nil), args...)
	case strings.HasPrefix(stmt, "INSERT INTO pending_calls"):
		shard := args[0].(int)
		if f.pending[shard] == nil {
			f.pending[shard] = map[string]time.Time{}
		}
		f.pending[shard][args[2].(string)] = args[1].(time.Time)
	case strings.HasPrefix(stmt, "DELETE FROM pending_calls"):
		delete(f.pending[args[0].(int)], args[2].(string))
	case strings.HasPrefix(stmt, "UPDATE call_records SET acknowledged = true"):
		if row, ok := f.records[args[2].(string)]; ok {
			at := args[0].(time.Time)
			row[14] = &at
			row[15] = true
			row[17] = args[1]
		}
	case strings.HasPrefix(stmt, "UPDATE call_records SET status"):
		if row, ok := f.records[args[2].(string)]; ok {
			row[3] = args[0]
			row[17] = args[1]
		}
	default:
		return fmt.Errorf("fake session: unexpected exec %q", stmt)
	}
	return nil
}

func (f *fakeSession) CAS(_ context.Context, stmt string, args ...interface{}) (bool, error) {
	stmt, err := f.enter(stmt)
	if err != nil {
		return false, err
	}
	defer f.mu.Unlock()

	switch {
	case strings.HasPrefix(stmt, "INSERT INTO original_call_guard"):
		key := args[0].(string) + "|" + args[1].(string) + "|" + args[2].(string)
		if _, ok := f.original[key]; ok {
			return false, nil
		}
		f.original[key] = args[3].(string)
		return true, nil
	case strings.HasPrefix(stmt, "DELETE FROM original_call_guard"):
		key := args[0].(string) + "|" + args[1].(string) + "|" + args[2].(string)
		if f.original[key] != args[3].(string) {
			return false, nil
		}
		delete(f.original, key)
		return true, nil
	case strings.HasPrefix(stmt, "INSERT INTO open_call_guard"):
		key := args[0].(string) + "|" + args[1].(string)
		if _, ok := f.open[key]; ok {
			return false, nil
		}
		f.open[key] = args[2].(string)
		return true, nil
	case strings.HasPrefix(stmt, "UPDATE open_call_guard"):
		key := args[1].(string) + "|" + args[2].(string)
		if cur, ok := f.open[key]; !ok || cur != args[3].(string) {
			return false, nil
		}
		f.open[key] = args[0].(string)
		return true, nil
	case strings.HasPrefix(stmt, "DELETE FROM open_call_guard"):
		key := args[0].(string) + "|" + args[1].(string)
		if cur, ok := f.open[key]; !ok || cur != args[2].(string) {
			return false, nil
		}
		delete(f.open, key)
		return true, nil
	}
	return false, fmt.Errorf("fake session: unexpected cas %q", stmt)
}

func (f *fakeSession) Scan(_ context.Context, stmt string, args []interface{}, dest ...interface{}) error {
	stmt, err := f.enter(stmt)
	if err != nil {
		return err
	}
	defer f.mu.Unlock()

	var values []interface{}
	switch {
	case strings.HasPrefix(stmt, "SELECT call_id FROM original_call_guard"):
		v, ok := f.original[args[0].(string)+"|"+args[1].(string)+"|"+args[2].(string)]
		if !ok {
			return gocql.ErrNotFound
		}
		values = []interface{}{v}
	case strings.HasPrefix(stmt, "SELECT call_id FROM open_call_guard"):
		v, ok := f.open[args[0].(string)+"|"+args[1].(string)]
		if !ok {
			return gocql.ErrNotFound
		}
		values = []interface{}{v}
	case strings.HasPrefix(stmt, "SELECT id,") && strings.Contains(stmt, "FROM call_records WHERE id = ?"):
		row, ok := f.records[args[0].(string)]
		if !ok {
			return gocql.ErrNotFound
		}
		values = row
	default:
		return fmt.Errorf("fake session: unexpected scan %q", stmt)
	}

	if len(values) != len(dest) {
		return errors.New("fake session: column count mismatch")
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(v))
	}
	return nil
}

func (f *fakeSession) Strings(_ context.Context, stmt string, limit int, args ...interface{}) ([]string, error) {
	stmt, err := f.enter(stmt)
	if err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	var out []string
	switch {
	case strings.HasPrefix(stmt, "SELECT call_id FROM pending_calls"):
		shard, now, maxRows := args[0].(int), args[1].(time.Time), args[2].(int)
		type due struct {
			id string
			at time.Time
		}
		var rows []due
		for id, at := range f.pending[shard] {
			if !at.After(now) {
				rows = append(rows, due{id: id, at: at})
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
		for _, r := range rows {
			if len(out) == maxRows {
				break
			}
			out = append(out, r.id)
		}
	case strings.HasPrefix(stmt, "SELECT call_id FROM call_records_by_user"):
		entries := append([]userEntry(nil), f.byUser[args[0].(string)]...)
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].createdAt.After(entries[j].createdAt) })
		for _, e := range entries {
			out = append(out, e.id)
		}
	default:
		return nil, fmt.Errorf("fake session: unexpected query %q", stmt)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
