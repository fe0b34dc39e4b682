package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "AdvisorChain/internal/errors"
	"AdvisorChain/pkg/logger"
)

// Store 以内存映射为快路径、全量快照文件为慢路径保存会话状态。
// 快照只是无状态部署模型之上的便利缓存，不是权威账本：
// 快照读写失败一律吞掉并记日志，进程生命周期内以内存为准。
type Store struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	snapshotPath string
	reloaded     bool
	log          *slog.Logger

	snapshotWG sync.WaitGroup
}

// NewStore 创建会话存储。dataDir 为空时不落盘，仅保留内存。
func NewStore(dataDir string) (*Store, error) {
	store := &Store{
		sessions: make(map[string]*Session),
		log:      logger.Named("session"),
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
		}
		store.snapshotPath = filepath.Join(dataDir, "sessions.json")
	}
	return store, nil
}

// Get 返回指定会话。内存未命中时尝试一次全量快照懒加载，
// 之后才宣告真正未命中。
func (s *Store) Get(_ context.Context, id string) (*Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess.Clone(), true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reloaded {
		s.reloadLocked()
	}
	sess, ok = s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Put 写入会话，并在后台重写全量快照。快照写入非事务性，
// 进程崩溃时后写覆盖是接受的风险。
func (s *Store) Put(_ context.Context, sess *Session) error {
	if sess == nil || sess.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	clone := sess.Clone()
	clone.UpdatedAt = time.Now().Unix()

	s.mu.Lock()
	s.sessions[clone.SessionID] = clone
	s.mu.Unlock()

	if s.snapshotPath != "" {
		s.snapshotWG.Add(1)
		go func() {
			defer s.snapshotWG.Done()
			s.writeSnapshot()
		}()
	}
	return nil
}

// Len 返回内存中的会话数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Flush 等待后台快照写入完成，主要供测试与进程退出时使用。
func (s *Store) Flush() {
	s.snapshotWG.Wait()
}

// reloadLocked 从快照文件恢复全部会话到内存。调用方需持有写锁。
func (s *Store) reloadLocked() {
	s.reloaded = true
	if s.snapshotPath == "" {
		return
	}
	content, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("读取会话快照失败", slog.Any("error", err))
		}
		return
	}
	var snapshot map[string]*Session
	if err := json.Unmarshal(content, &snapshot); err != nil {
		s.log.Warn("解析会话快照失败", slog.Any("error", err))
		return
	}
	// 内存中已有的条目优先于快照。
	for id, sess := range snapshot {
		if _, exists := s.sessions[id]; !exists {
			s.sessions[id] = sess
		}
	}
}

// writeSnapshot 把全部会话写成单个快照文件，先写临时文件再原子替换。
func (s *Store) writeSnapshot() {
	s.mu.RLock()
	encoded, err := json.MarshalIndent(s.sessions, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		s.log.Warn("序列化会话快照失败", slog.Any("error", err))
		return
	}

	tmpPath := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		s.log.Warn("写入会话快照失败", slog.Any("error", err))
		return
	}
	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		s.log.Warn("替换会话快照失败", slog.Any("error", err))
	}
}
