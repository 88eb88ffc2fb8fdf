package agent

import (
	"testing"
	"time"

	xerrors "PhaseForge/internal/errors"
)

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register("task-1")
	if a.Status != StatusSpawning {
		t.Fatalf("初始状态 = %s, 期望 spawning", a.Status)
	}

	got, err := reg.Get(a.ID)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.TaskID != "task-1" {
		t.Fatalf("TaskID = %s, 期望 task-1", got.TaskID)
	}
}

func TestHeartbeatRejectedAfterStop(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register("task-1")

	if err := reg.Heartbeat(a.ID); err != nil {
		t.Fatalf("心跳失败: %v", err)
	}
	if err := reg.MarkStopped(a.ID); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	err := reg.Heartbeat(a.ID)
	if xerrors.CodeOf(err) != xerrors.CodeLivenessTimeout {
		t.Fatalf("错误码 = %v, 期望 LIVENESS_TIMEOUT", xerrors.CodeOf(err))
	}
}

func TestExpiredOnlyReturnsStaleOnlineAgents(t *testing.T) {
	reg := NewRegistry()
	stale := reg.Register("task-1")
	if err := reg.MarkWorking(stale.ID); err != nil {
		t.Fatalf("置为执行中失败: %v", err)
	}
	stopped := reg.Register("task-2")
	if err := reg.MarkStopped(stopped.ID); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	fresh := reg.Register("task-3")
	if err := reg.MarkWorking(fresh.ID); err != nil {
		t.Fatalf("置为执行中失败: %v", err)
	}

	// 人为回拨心跳时间模拟失联。
	reg.mu.Lock()
	reg.agents[stale.ID].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	reg.agents[stopped.ID].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	reg.mu.Unlock()

	expired := reg.Expired(30 * time.Second)
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("失联集合不正确: %+v", expired)
	}
}

func TestActiveCount(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register("task-1")
	b := reg.Register("task-2")
	if err := reg.MarkWorking(a.ID); err != nil {
		t.Fatalf("置为执行中失败: %v", err)
	}
	if err := reg.MarkStopped(b.ID); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	if n := reg.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount = %d, 期望 1", n)
	}
}
