package redisserver

import (
	"errors"
	"os"
	"path"
	"runtime"
	"sort"
	"strconv"
)

var (
	errWrongKind  = errors.New(errWrongType)
	errNotInteger = errors.New(errNotInt)
)

// zset is a sorted set. Members are ordered by score, then by name.
type zset struct {
	scores map[string]float64
}

type scored struct {
	member string
	score  float64
}

// del removes keys and returns how many existed.
func (s *Server) del(keys []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, key := range keys {
		if _, ok := s.data[key]; ok {
			delete(s.data, key)
			count++
		}
	}
	return count
}

// exists counts the keys that exist. Repeated keys count repeatedly.
func (s *Server) exists(keys []string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, key := range keys {
		if _, ok := s.data[key]; ok {
			count++
		}
	}
	return count
}

// keys returns the sorted keys matching a glob pattern.
func (s *Server) keys(pattern string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0)
	for k := range s.data {
		if matched, _ := path.Match(pattern, k); matched {
			result = append(result, k)
		}
	}
	sort.Strings(result)
	return result
}

// scan pages over the sorted key space. The cursor is an offset into the
// matching keys and 0 marks the end.
func (s *Server) scan(cursor int, pattern string, count int) (int, []string) {
	all := s.keys(pattern)
	if cursor >= len(all) {
		return 0, []string{}
	}
	end := min(cursor+count, len(all))
	next := 0
	if end < len(all) {
		next = end
	}
	return next, all[cursor:end]
}

func (s *Server) getType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.data[key]
	if !ok {
		return "none"
	}
	switch ent.value.(type) {
	case []byte:
		return "string"
	case map[string]string:
		return "hash"
	case *zset:
		return "zset"
	}
	return "none"
}

func (s *Server) getString(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := ent.value.([]byte)
	if !ok {
		return nil, false, errWrongKind
	}
	return v, true, nil
}

// setString stores a copy of value. With nx set, an existing key is left
// alone and false is returned.
func (s *Server) setString(key string, value []byte, nx bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok && nx {
		return false
	}
	s.data[key] = &entry{value: append([]byte(nil), value...)}
	return true
}

func (s *Server) appendString(key string, value []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.data[key]
	if !ok {
		s.data[key] = &entry{value: append([]byte(nil), value...)}
		return len(value), nil
	}
	v, ok := ent.value.([]byte)
	if !ok {
		return 0, errWrongKind
	}
	v = append(v, value...)
	ent.value = v
	return len(v), nil
}

func (s *Server) incrBy(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if ent, ok := s.data[key]; ok {
		v, ok := ent.value.([]byte)
		if !ok {
			return 0, errWrongKind
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, errNotInteger
		}
		current = n
	}
	current += delta
	s.data[key] = &entry{value: []byte(strconv.FormatInt(current, 10))}
	return current, nil
}

// hash returns the hash at key, creating it when create is set. A nil map
// with a nil error means the key does not exist.
func (s *Server) hash(key string, create bool) (map[string]string, error) {
	ent, ok := s.data[key]
	if !ok {
		if !create {
			return nil, nil
		}
		h := make(map[string]string)
		s.data[key] = &entry{value: h}
		return h, nil
	}
	h, ok := ent.value.(map[string]string)
	if !ok {
		return nil, errWrongKind
	}
	return h, nil
}

// hset stores field/value pairs and returns the number of new fields.
// With nx set, existing fields are kept.
func (s *Server) hset(key string, pairs []string, nx bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.hash(key, true)
	if err != nil {
		return 0, err
	}
	added := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		_, exists := h[pairs[i]]
		if exists && nx {
			continue
		}
		if !exists {
			added++
		}
		h[pairs[i]] = pairs[i+1]
	}
	return added, nil
}

func (s *Server) hget(key, field string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, err := s.hash(key, false)
	if err != nil || h == nil {
		return "", false, err
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *Server) hdel(key string, fields []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.hash(key, false)
	if err != nil || h == nil {
		return 0, err
	}
	removed := 0
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			removed++
		}
	}
	if len(h) == 0 {
		delete(s.data, key)
	}
	return removed, nil
}

// hgetall returns the fields in sorted order with their values.
func (s *Server) hgetall(key string) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, err := s.hash(key, false)
	if err != nil {
		return nil, nil, err
	}
	fields := make([]string, 0, len(h))
	for f := range h {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	values := make([]string, len(fields))
	for i, f := range fields {
		values[i] = h[f]
	}
	return fields, values, nil
}

func (s *Server) hincrBy(key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.hash(key, true)
	if err != nil {
		return 0, err
	}
	var current int64
	if v, ok := h[field]; ok {
		if current, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, errors.New("ERR hash value is not an integer")
		}
	}
	current += delta
	h[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *Server) sortedSet(key string, create bool) (*zset, error) {
	ent, ok := s.data[key]
	if !ok {
		if !create {
			return nil, nil
		}
		z := &zset{scores: make(map[string]float64)}
		s.data[key] = &entry{value: z}
		return z, nil
	}
	z, ok := ent.value.(*zset)
	if !ok {
		return nil, errWrongKind
	}
	return z, nil
}

type zaddOptions struct {
	nx, xx, gt, lt, ch bool
}

// zadd sets member scores under the ZADD update rules and returns the
// number of new members, or of changed ones with ch.
func (s *Server) zadd(key string, scores []float64, members []string, opts zaddOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, err := s.sortedSet(key, !opts.xx)
	if err != nil || z == nil {
		return 0, err
	}
	n := 0
	for i, m := range members {
		old, exists := z.scores[m]
		switch {
		case exists && opts.nx, !exists && opts.xx:
			continue
		case exists && opts.gt && scores[i] <= old, exists && opts.lt && scores[i] >= old:
			continue
		}
		z.scores[m] = scores[i]
		if !exists || (opts.ch && old != scores[i]) {
			n++
		}
	}
	return n, nil
}

func (s *Server) zrem(key string, members []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, err := s.sortedSet(key, false)
	if err != nil || z == nil {
		return 0, err
	}
	removed := 0
	for _, m := range members {
		if _, ok := z.scores[m]; ok {
			delete(z.scores, m)
			removed++
		}
	}
	if len(z.scores) == 0 {
		delete(s.data, key)
	}
	return removed, nil
}

func (s *Server) zscore(key, member string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, err := s.sortedSet(key, false)
	if err != nil || z == nil {
		return 0, false, err
	}
	score, ok := z.scores[member]
	return score, ok, nil
}

// zmembers returns the members of a sorted set in order.
func (s *Server) zmembers(key string) ([]scored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, err := s.sortedSet(key, false)
	if err != nil || z == nil {
		return nil, err
	}
	out := make([]scored, 0, len(z.scores))
	for m, score := range z.scores {
		out = append(out, scored{member: m, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].member < out[j].member
	})
	return out, nil
}

// getInfo returns information about the server for the INFO command
func (s *Server) getInfo() string {
	s.mu.RLock()
	keyCount := len(s.data)
	s.mu.RUnlock()

	info := "# Server\r\n"
	info += "redis_version:6.2.0\r\n"
	info += "redis_mode:standalone\r\n"
	info += "os:" + runtime.GOOS + "\r\n"
	info += "process_id:" + strconv.Itoa(os.Getpid()) + "\r\n"

	info += "\r\n# Memory\r\n"
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	info += "used_memory:" + strconv.FormatUint(m.Alloc, 10) + "\r\n"
	info += "used_memory_human:" + humanizeBytes(m.Alloc) + "\r\n"

	info += "\r\n# Keyspace\r\n"
	info += "db0:keys=" + strconv.Itoa(keyCount) + ",expires=0,avg_ttl=0\r\n"
	return info
}
