package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/watchsync/watchsync/store"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	PrefixRoom    string `koanf:"prefix_room"`
	PrefixSession string `koanf:"prefix_session"`

	// Sorted set of session IDs scored by last seen time.
	KeySessions string `koanf:"key_sessions"`
}

// Redis represents the Redis implementation of the Store interface.
//
// A room is a hash at PrefixRoom with a set of member session IDs and a
// sorted set of updates scored by their creation time (unix ms) next to it.
// Sessions are hashes at PrefixSession.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

type room struct {
	CreatedAt int64 `redis:"created_at"`
}

type sess struct {
	ID         string `redis:"id"`
	RoomID     string `redis:"room_id"`
	Handle     string `redis:"handle"`
	Role       string `redis:"role"`
	JoinedAt   int64  `redis:"joined_at"`
	LastSeenAt int64  `redis:"last_seen_at"`
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	if cfg.PrefixRoom == "" {
		cfg.PrefixRoom = "watchsync:room:%s"
	}
	if cfg.PrefixSession == "" {
		cfg.PrefixSession = "watchsync:sess:%s"
	}
	if cfg.KeySessions == "" {
		cfg.KeySessions = "watchsync:sessions"
	}

	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if _, err := c.Do("PING"); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

func (r *Redis) roomKey(id string) string {
	return fmt.Sprintf(r.cfg.PrefixRoom, id)
}

func (r *Redis) membersKey(id string) string {
	return r.roomKey(id) + ":members"
}

func (r *Redis) updatesKey(id string) string {
	return r.roomKey(id) + ":updates"
}

func (r *Redis) sessKey(id string) string {
	return fmt.Sprintf(r.cfg.PrefixSession, id)
}

// AddRoom adds a room to the store.
func (r *Redis) AddRoom(room store.Room, ttl time.Duration) error {
	c := r.pool.Get()
	defer c.Close()

	key := r.roomKey(room.ID)
	c.Send("MULTI")
	c.Send("DEL", key, r.membersKey(room.ID), r.updatesKey(room.ID))
	c.Send("HSET", key, "created_at", room.CreatedAt.UnixMilli())
	if ttl > 0 {
		c.Send("EXPIRE", key, int(ttl.Seconds()))
	}
	_, err := c.Do("EXEC")
	return err
}

// ExtendRoomTTL extends a room's TTL.
func (r *Redis) ExtendRoomTTL(id string, ttl time.Duration) error {
	c := r.pool.Get()
	defer c.Close()

	secs := int(ttl.Seconds())
	c.Send("EXPIRE", r.roomKey(id), secs)
	c.Send("EXPIRE", r.membersKey(id), secs)
	c.Send("EXPIRE", r.updatesKey(id), secs)
	return c.Flush()
}

// GetRoom gets a room from the store.
func (r *Redis) GetRoom(id string) (store.Room, error) {
	c := r.pool.Get()
	defer c.Close()

	res, err := redis.Values(c.Do("HGETALL", r.roomKey(id)))
	if err != nil {
		return store.Room{}, err
	}
	if len(res) == 0 {
		return store.Room{}, store.ErrRoomNotFound
	}

	var rm room
	if err := redis.ScanStruct(res, &rm); err != nil {
		return store.Room{}, err
	}
	return store.Room{ID: id, CreatedAt: time.UnixMilli(rm.CreatedAt).UTC()}, nil
}

// RoomExists checks if a room exists in the store.
func (r *Redis) RoomExists(id string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	return r.exists(c, r.roomKey(id))
}

func (r *Redis) exists(c redis.Conn, key string) (bool, error) {
	ok, err := redis.Bool(c.Do("EXISTS", key))
	if err != nil && err != redis.ErrNil {
		return false, err
	}
	return ok, nil
}

// RemoveRoom deletes a room, its sessions and its updates.
func (r *Redis) RemoveRoom(id string) error {
	c := r.pool.Get()
	defer c.Close()

	ids, err := redis.Strings(c.Do("SMEMBERS", r.membersKey(id)))
	if err != nil && err != redis.ErrNil {
		return err
	}

	c.Send("MULTI")
	for _, sid := range ids {
		c.Send("DEL", r.sessKey(sid))
		c.Send("ZREM", r.cfg.KeySessions, sid)
	}
	c.Send("DEL", r.roomKey(id), r.membersKey(id), r.updatesKey(id))
	_, err = c.Do("EXEC")
	return err
}

// AddSession adds or moves a session.
func (r *Redis) AddSession(s store.Sess) error {
	c := r.pool.Get()
	defer c.Close()

	ok, err := r.exists(c, r.roomKey(s.RoomID))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrRoomNotFound
	}

	prev, err := redis.String(c.Do("HGET", r.sessKey(s.ID), "room_id"))
	if err != nil && err != redis.ErrNil {
		return err
	}

	key := r.sessKey(s.ID)
	c.Send("MULTI")
	if prev != "" && prev != s.RoomID {
		c.Send("SREM", r.membersKey(prev), s.ID)
	}
	c.Send("HSET", key,
		"id", s.ID,
		"room_id", s.RoomID,
		"handle", s.Handle,
		"role", s.Role,
		"joined_at", s.JoinedAt.UnixMilli(),
		"last_seen_at", s.LastSeenAt.UnixMilli())
	c.Send("SADD", r.membersKey(s.RoomID), s.ID)
	c.Send("ZADD", r.cfg.KeySessions, s.LastSeenAt.UnixMilli(), s.ID)
	_, err = c.Do("EXEC")
	return err
}

// GetSession retrieves a session from the store.
func (r *Redis) GetSession(id string) (store.Sess, error) {
	c := r.pool.Get()
	defer c.Close()

	res, err := redis.Values(c.Do("HGETALL", r.sessKey(id)))
	if err != nil {
		return store.Sess{}, err
	}
	return scanSess(res)
}

// GetSessions returns the sessions of a room, oldest first.
func (r *Redis) GetSessions(roomID string) ([]store.Sess, error) {
	c := r.pool.Get()
	defer c.Close()

	ok, err := r.exists(c, r.roomKey(roomID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrRoomNotFound
	}

	ids, err := redis.Strings(c.Do("SMEMBERS", r.membersKey(roomID)))
	if err != nil && err != redis.ErrNil {
		return nil, err
	}
	return r.getSessions(c, ids)
}

// getSessions fetches a list of sessions in one round trip, skipping the
// ones that have disappeared.
func (r *Redis) getSessions(c redis.Conn, ids []string) ([]store.Sess, error) {
	for _, id := range ids {
		c.Send("HGETALL", r.sessKey(id))
	}
	if err := c.Flush(); err != nil {
		return nil, err
	}

	out := make([]store.Sess, 0, len(ids))
	for range ids {
		res, err := redis.Values(c.Receive())
		if err != nil {
			return nil, err
		}
		s, err := scanSess(res)
		if err == store.ErrSessionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	store.SortSessions(out)
	return out, nil
}

// TouchSession updates a session's last seen time.
func (r *Redis) TouchSession(id string, t time.Time) error {
	c := r.pool.Get()
	defer c.Close()

	ok, err := r.exists(c, r.sessKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrSessionNotFound
	}

	c.Send("MULTI")
	c.Send("HSET", r.sessKey(id), "last_seen_at", t.UnixMilli())
	c.Send("ZADD", r.cfg.KeySessions, t.UnixMilli(), id)
	_, err = c.Do("EXEC")
	return err
}

// RemoveSession deletes a session.
func (r *Redis) RemoveSession(id string) error {
	c := r.pool.Get()
	defer c.Close()

	roomID, err := redis.String(c.Do("HGET", r.sessKey(id), "room_id"))
	if err != nil && err != redis.ErrNil {
		return err
	}

	c.Send("MULTI")
	if roomID != "" {
		c.Send("SREM", r.membersKey(roomID), id)
	}
	c.Send("DEL", r.sessKey(id))
	c.Send("ZREM", r.cfg.KeySessions, id)
	_, err = c.Do("EXEC")
	return err
}

// StaleSessions returns the sessions last seen before the given time.
func (r *Redis) StaleSessions(before time.Time) ([]store.Sess, error) {
	c := r.pool.Get()
	defer c.Close()

	ids, err := redis.Strings(c.Do("ZRANGEBYSCORE", r.cfg.KeySessions,
		"-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)))
	if err != nil && err != redis.ErrNil {
		return nil, err
	}
	return r.getSessions(c, ids)
}

// AddUpdate appends an update to a room's log and trims it.
func (r *Redis) AddUpdate(u store.Update, max int) error {
	c := r.pool.Get()
	defer c.Close()

	ok, err := r.exists(c, r.roomKey(u.RoomID))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrRoomNotFound
	}

	key := r.updatesKey(u.RoomID)
	c.Send("MULTI")
	c.Send("ZADD", key, u.CreatedAt.UnixMilli(), u.Data)
	if max > 0 {
		c.Send("ZREMRANGEBYRANK", key, 0, -(max + 1))
	}
	_, err = c.Do("EXEC")
	return err
}

// GetUpdates returns a room's updates created after since, oldest first.
func (r *Redis) GetUpdates(roomID string, since time.Time) ([]store.Update, error) {
	c := r.pool.Get()
	defer c.Close()

	ok, err := r.exists(c, r.roomKey(roomID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrRoomNotFound
	}

	min := "-inf"
	if !since.IsZero() {
		min = "(" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	res, err := redis.Values(c.Do("ZRANGEBYSCORE", r.updatesKey(roomID), min, "+inf", "WITHSCORES"))
	if err != nil {
		return nil, err
	}

	out := make([]store.Update, 0, len(res)/2)
	for len(res) > 0 {
		var (
			data  []byte
			score int64
		)
		res, err = redis.Scan(res, &data, &score)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Update{
			RoomID:    roomID,
			CreatedAt: time.UnixMilli(score).UTC(),
			Data:      data,
		})
	}
	return out, nil
}

func scanSess(res []interface{}) (store.Sess, error) {
	if len(res) == 0 {
		return store.Sess{}, store.ErrSessionNotFound
	}

	var s sess
	if err := redis.ScanStruct(res, &s); err != nil {
		return store.Sess{}, err
	}
	return store.Sess{
		ID:         s.ID,
		RoomID:     s.RoomID,
		Handle:     s.Handle,
		Role:       s.Role,
		JoinedAt:   time.UnixMilli(s.JoinedAt).UTC(),
		LastSeenAt: time.UnixMilli(s.LastSeenAt).UTC(),
	}, nil
}
