package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateIdentity 同一身份重复加入注册表
var ErrDuplicateIdentity = errors.New("duplicate player identity")

// Registry 在线玩家注册表，所有方法并发安全
// 读取返回副本，调用方不会持有可与注册表分叉的状态
type Registry struct {
	mu      sync.RWMutex
	players map[PlayerID]*Player
	nextSeq uint64

	spawnX float64
	spawnY float64
}

// NewRegistry 创建空注册表，新玩家出生在 (spawnX, spawnY)
func NewRegistry(spawnX, spawnY float64) *Registry {
	return &Registry{
		players: make(map[PlayerID]*Player),
		spawnX:  spawnX,
		spawnY:  spawnY,
	}
}

// Add 以出生点坐标创建玩家；身份已存在时返回 ErrDuplicateIdentity，不覆盖
func (r *Registry) Add(id PlayerID) (Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.players[id]; exists {
		return Player{}, fmt.Errorf("adding player %q: %w", id, ErrDuplicateIdentity)
	}
	r.nextSeq++
	p := &Player{ID: id, X: r.spawnX, Y: r.spawnY, seq: r.nextSeq}
	r.players[id] = p
	return *p, nil
}

// Get 返回玩家副本；不存在时 ok=false
func (r *Registry) Get(id PlayerID) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// GetAll 返回某一时刻的一致快照（按加入顺序）
func (r *Registry) GetAll() []Player {
	r.mu.RLock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Update 原地更新坐标；玩家已离开时返回 false
func (r *Registry) Update(id PlayerID, x, y float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.X, p.Y = x, y
	return true
}

// UpdatePose 同时更新坐标与表现状态（动画、朝向）
// anim/flip 为 nil 时保留上一次的值
func (r *Registry) UpdatePose(id PlayerID, x, y float64, anim *string, flip *bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.X, p.Y = x, y
	if anim != nil {
		p.Anim = *anim
	}
	if flip != nil {
		p.Flip = *flip
	}
	return true
}

// Remove 删除玩家（幂等），返回是否确实删除了条目
func (r *Registry) Remove(id PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[id]; !ok {
		return false
	}
	delete(r.players, id)
	return true
}

// Len 当前玩家数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}
