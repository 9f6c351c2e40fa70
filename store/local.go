package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type kind int

const (
	kindString kind = iota
	kindSet
	kindHash
	kindList
	kindZSet
)

type item struct {
	kind     kind
	str      string
	set      map[string]struct{}
	hash     map[string]string
	list     []string
	zset     map[string]float64
	expireAt time.Time
}

func (it *item) empty() bool {
	switch it.kind {
	case kindSet:
		return len(it.set) == 0
	case kindHash:
		return len(it.hash) == 0
	case kindList:
		return len(it.list) == 0
	case kindZSet:
		return len(it.zset) == 0
	}
	return false
}

// Local is an in-process Store. It honours TTLs lazily on access, which is
// enough for a single instance but shares nothing with other processes.
type Local struct {
	mu     sync.Mutex
	items  map[string]*item
	subs   map[string]map[*localSubscription]struct{}
	now    func() time.Time
	closed bool
}

type LocalOption func(*Local)

// WithClock replaces time.Now, mainly so tests can move time forward.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) {
		l.now = now
	}
}

func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		items: make(map[string]*item),
		subs:  make(map[string]map[*localSubscription]struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// lookup must be called with mu held.
func (l *Local) lookup(key string) *item {
	it, ok := l.items[key]
	if !ok {
		return nil
	}
	if !it.expireAt.IsZero() && !l.now().Before(it.expireAt) {
		delete(l.items, key)
		return nil
	}
	return it
}

func (l *Local) lookupKind(key string, k kind) (*item, error) {
	it := l.lookup(key)
	if it == nil {
		return nil, nil
	}
	if it.kind != k {
		return nil, ErrWrongType
	}
	return it, nil
}

func (l *Local) create(key string, k kind) (*item, error) {
	it, err := l.lookupKind(key, k)
	if err != nil || it != nil {
		return it, err
	}
	it = &item{kind: k}
	switch k {
	case kindSet:
		it.set = make(map[string]struct{})
	case kindHash:
		it.hash = make(map[string]string)
	case kindZSet:
		it.zset = make(map[string]float64)
	}
	l.items[key] = it
	return it, nil
}

func (l *Local) dropIfEmpty(key string, it *item) {
	if it.empty() {
		delete(l.items, key)
	}
}

func (l *Local) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return l.now().Add(ttl)
}

func (l *Local) Get(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindString)
	if err != nil {
		return "", err
	}
	if it == nil {
		return "", ErrNil
	}
	return it.str, nil
}

func (l *Local) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[key] = &item{kind: kindString, str: value, expireAt: l.expiry(ttl)}
	return nil
}

func (l *Local) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lookup(key) != nil {
		return false, nil
	}
	l.items[key] = &item{kind: kindString, str: value, expireAt: l.expiry(ttl)}
	return true, nil
}

func (l *Local) Del(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range keys {
		delete(l.items, key)
	}
	return nil
}

func (l *Local) DelIfEqual(_ context.Context, key, value string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it := l.lookup(key)
	if it == nil || it.kind != kindString || it.str != value {
		return false, nil
	}
	delete(l.items, key)
	return true, nil
}

func (l *Local) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it := l.lookup(key)
	if it == nil {
		return nil
	}
	if ttl <= 0 {
		delete(l.items, key)
		return nil
	}
	it.expireAt = l.now().Add(ttl)
	return nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lookup(key) != nil, nil
}

func (l *Local) Incr(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindString)
	if err != nil {
		return 0, err
	}
	if it == nil {
		l.items[key] = &item{kind: kindString, str: "1"}
		return 1, nil
	}
	n, err := strconv.ParseInt(it.str, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n++
	it.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (l *Local) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := l.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if it := l.lookup(key); it != nil && it.expireAt.IsZero() {
		it.expireAt = l.expiry(ttl)
	}
	return n, nil
}

func (l *Local) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.create(key, kindSet)
	if err != nil {
		return 0, err
	}
	var added int64
	for _, m := range members {
		if _, ok := it.set[m]; !ok {
			it.set[m] = struct{}{}
			added++
		}
	}
	l.dropIfEmpty(key, it)
	return added, nil
}

func (l *Local) SRem(_ context.Context, key string, members ...string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindSet)
	if err != nil || it == nil {
		return 0, err
	}
	var removed int64
	for _, m := range members {
		if _, ok := it.set[m]; ok {
			delete(it.set, m)
			removed++
		}
	}
	l.dropIfEmpty(key, it)
	return removed, nil
}

func (l *Local) SMembers(_ context.Context, key string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindSet)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(it.set))
	for m := range it.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) SCard(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindSet)
	if err != nil || it == nil {
		return 0, err
	}
	return int64(len(it.set)), nil
}

func (l *Local) HSet(_ context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.create(key, kindHash)
	if err != nil {
		return err
	}
	for k, v := range values {
		it.hash[k] = v
	}
	return nil
}

func (l *Local) HGetAll(_ context.Context, key string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]string)
	it, err := l.lookupKind(key, kindHash)
	if err != nil || it == nil {
		return out, err
	}
	for k, v := range it.hash {
		out[k] = v
	}
	return out, nil
}

func (l *Local) RPush(_ context.Context, key string, values ...string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.create(key, kindList)
	if err != nil {
		return 0, err
	}
	it.list = append(it.list, values...)
	n := int64(len(it.list))
	l.dropIfEmpty(key, it)
	return n, nil
}

func (l *Local) LPush(_ context.Context, key string, values ...string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.create(key, kindList)
	if err != nil {
		return 0, err
	}
	head := make([]string, 0, len(values)+len(it.list))
	for i := len(values) - 1; i >= 0; i-- {
		head = append(head, values[i])
	}
	it.list = append(head, it.list...)
	n := int64(len(it.list))
	l.dropIfEmpty(key, it)
	return n, nil
}

// span converts Redis style inclusive, possibly negative indexes into a
// half-open slice range. ok is false when the range is empty.
func span(length, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop + 1, true
}

func (l *Local) LTrim(_ context.Context, key string, start, stop int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindList)
	if err != nil || it == nil {
		return err
	}
	from, to, ok := span(int64(len(it.list)), start, stop)
	if !ok {
		delete(l.items, key)
		return nil
	}
	it.list = append([]string(nil), it.list[from:to]...)
	return nil
}

func (l *Local) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindList)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return []string{}, nil
	}
	from, to, ok := span(int64(len(it.list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), it.list[from:to]...), nil
}

func (l *Local) LPop(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindList)
	if err != nil {
		return "", err
	}
	if it == nil {
		return "", ErrNil
	}
	v := it.list[0]
	it.list = it.list[1:]
	l.dropIfEmpty(key, it)
	return v, nil
}

func (l *Local) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindList)
	if err != nil || it == nil {
		return 0, err
	}

	var removed int64
	kept := make([]string, 0, len(it.list))
	if count >= 0 {
		for _, v := range it.list {
			if v == value && (count == 0 || removed < count) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
	} else {
		limit := -count
		for i := len(it.list) - 1; i >= 0; i-- {
			v := it.list[i]
			if v == value && removed < limit {
				removed++
				continue
			}
			kept = append([]string{v}, kept...)
		}
	}
	it.list = kept
	l.dropIfEmpty(key, it)
	return removed, nil
}

func (l *Local) LDrain(_ context.Context, key string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindList)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return []string{}, nil
	}
	delete(l.items, key)
	return it.list, nil
}

func (l *Local) ZAdd(_ context.Context, key string, score float64, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.create(key, kindZSet)
	if err != nil {
		return err
	}
	it.zset[member] = score
	return nil
}

func (l *Local) ZRem(_ context.Context, key string, members ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindZSet)
	if err != nil || it == nil {
		return err
	}
	for _, m := range members {
		delete(it.zset, m)
	}
	l.dropIfEmpty(key, it)
	return nil
}

func (l *Local) ZScore(_ context.Context, key, member string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if it == nil {
		return 0, ErrNil
	}
	score, ok := it.zset[member]
	if !ok {
		return 0, ErrNil
	}
	return score, nil
}

func (l *Local) ClearIfEmpty(_ context.Context, guard, index, member string, keys ...string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, err := l.lookupKind(guard, kindSet)
	if err != nil {
		return false, err
	}
	if g != nil && len(g.set) > 0 {
		return false, nil
	}
	idx, err := l.lookupKind(index, kindZSet)
	if err != nil {
		return false, err
	}
	if idx != nil {
		delete(idx.zset, member)
		l.dropIfEmpty(index, idx)
	}
	for _, key := range keys {
		delete(l.items, key)
	}
	return true, nil
}

func (l *Local) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ZMember, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.lookupKind(key, kindZSet)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return []ZMember{}, nil
	}
	all := make([]ZMember, 0, len(it.zset))
	for m, s := range it.zset {
		all = append(all, ZMember{Member: m, Score: s})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score == all[j].Score {
			return all[i].Member < all[j].Member
		}
		return all[i].Score < all[j].Score
	})
	from, to, ok := span(int64(len(all)), start, stop)
	if !ok {
		return []ZMember{}, nil
	}
	return all[from:to], nil
}

func (l *Local) Publish(_ context.Context, channel, payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	msg := &Message{Channel: channel, Payload: payload}
	for sub := range l.subs[channel] {
		select {
		case sub.out <- msg:
		default:
			// Slow subscriber; drop like a lagging pub/sub client would.
		}
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	sub := &localSubscription{owner: l, channels: channels, out: make(chan *Message, 1024)}
	for _, ch := range channels {
		if l.subs[ch] == nil {
			l.subs[ch] = make(map[*localSubscription]struct{})
		}
		l.subs[ch][sub] = struct{}{}
	}
	return sub, nil
}

func (l *Local) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	subs := make([]*localSubscription, 0)
	for _, set := range l.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	l.closed = true
	l.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type localSubscription struct {
	owner    *Local
	channels []string
	out      chan *Message
	once     sync.Once
}

func (s *localSubscription) Messages() <-chan *Message {
	return s.out
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		for _, ch := range s.channels {
			delete(s.owner.subs[ch], s)
		}
		s.owner.mu.Unlock()
		close(s.out)
	})
	return nil
}
