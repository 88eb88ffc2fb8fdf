package isolation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "PhaseForge/internal/errors"
)

// Manager 负责智能体工作区的隔离与合并。每个智能体获得共享目录
// 的独立副本，互不可见；合并回共享目录串行执行。
type Manager struct {
	sharedDir string
	workRoot  string

	// 合并必须串行，否则两次合并的基线判断会互相污染。
	mergeMu sync.Mutex
}

// Session 是一次已分配的隔离工作区。baseline 记录克隆时刻
// 每个文件的摘要，作为合并时的三方基准。
type Session struct {
	AgentID  string
	Dir      string
	baseline map[string]string
}

// NewManager 创建工作区管理器。sharedDir 为共享工作区，
// workRoot 为各智能体副本的存放根目录。
func NewManager(sharedDir, workRoot string) (*Manager, error) {
	if strings.TrimSpace(sharedDir) == "" || strings.TrimSpace(workRoot) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "共享目录和工作根目录不能为空")
	}
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建共享目录失败")
	}
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建工作根目录失败")
	}
	return &Manager{sharedDir: sharedDir, workRoot: workRoot}, nil
}

// Provision 为智能体克隆一份共享工作区。
func (m *Manager) Provision(agentID string) (*Session, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "agent ID 不能为空")
	}
	dir := filepath.Join(m.workRoot, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建隔离工作区失败")
	}
	baseline, err := m.cloneTree(m.sharedDir, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &Session{AgentID: agentID, Dir: dir, baseline: baseline}, nil
}

// Merge 将会话中的变更串行合并回共享目录。会话与共享目录对同一
// 文件都有变更且内容不同时返回 MERGE_CONFLICT，不做任何部分写入。
func (m *Manager) Merge(session *Session) error {
	if session == nil {
		return xerrors.New(xerrors.CodeValidation, "session 不能为空")
	}
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	sessHashes, err := hashTree(session.Dir)
	if err != nil {
		return err
	}
	sharedHashes, err := hashTree(m.sharedDir)
	if err != nil {
		return err
	}

	paths := make(map[string]struct{}, len(sessHashes)+len(sharedHashes))
	for p := range sessHashes {
		paths[p] = struct{}{}
	}
	for p := range sharedHashes {
		paths[p] = struct{}{}
	}
	for p := range session.baseline {
		paths[p] = struct{}{}
	}

	var (
		conflicts []string
		copies    []string
		deletes   []string
	)
	for p := range paths {
		base, hadBase := session.baseline[p]
		sess, inSess := sessHashes[p]
		shared, inShared := sharedHashes[p]

		sessChanged := (inSess != hadBase) || (inSess && sess != base)
		sharedChanged := (inShared != hadBase) || (inShared && shared != base)

		switch {
		case !sessChanged:
			// 会话未动，保留共享目录现状。
		case !sharedChanged:
			if inSess {
				copies = append(copies, p)
			} else {
				deletes = append(deletes, p)
			}
		case inSess && inShared && sess == shared:
			// 双方改成了同一内容，无需动作。
		default:
			conflicts = append(conflicts, p)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return xerrors.New(xerrors.CodeMergeConflict,
			fmt.Sprintf("合并冲突: %s", strings.Join(conflicts, ", ")),
			xerrors.WithMetadata("paths", strings.Join(conflicts, ",")),
			xerrors.WithMetadata("agent_id", session.AgentID),
		)
	}

	sort.Strings(copies)
	for _, p := range copies {
		if err := copyFile(filepath.Join(session.Dir, p), filepath.Join(m.sharedDir, p)); err != nil {
			return err
		}
	}
	for _, p := range deletes {
		if err := os.Remove(filepath.Join(m.sharedDir, p)); err != nil && !os.IsNotExist(err) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除共享文件失败")
		}
	}
	return nil
}

// Teardown 回收会话工作区。
func (m *Manager) Teardown(session *Session) error {
	if session == nil || session.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(session.Dir); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收隔离工作区失败")
	}
	return nil
}

// cloneTree 复制共享目录到 dst 并返回基线摘要。
func (m *Manager) cloneTree(src, dst string) (map[string]string, error) {
	baseline := make(map[string]string)
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		baseline[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "克隆共享工作区失败")
	}
	return baseline, nil
}

func hashTree(root string) (map[string]string, error) {
	hashes := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描工作区失败")
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建目标目录失败")
	}
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取源文件失败")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入目标文件失败")
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "复制文件失败")
	}
	return out.Close()
}
