package control

import (
	"testing"
	"time"
)

func TestRunControl_InitialState(t *testing.T) {
	ctrl := New(1)
	if ctrl.State() != StateRunning {
		t.Errorf("Expected initial state to be StateRunning, got %v", ctrl.State())
	}
}

func TestRunControl_PauseResume(t *testing.T) {
	ctrl := New(1)

	ctrl.Pause()
	if !ctrl.IsPaused() {
		t.Error("Expected run to be paused")
	}

	ctrl.Resume()
	if !ctrl.IsRunning() {
		t.Error("Expected run to be running")
	}
}

func TestRunControl_Stop(t *testing.T) {
	ctrl := New(1)

	ctrl.Stop()
	if !ctrl.IsStopped() {
		t.Error("Expected run to be stopped")
	}

	select {
	case <-ctrl.Context().Done():
	default:
		t.Error("Expected context to be cancelled")
	}
}

func TestRunControl_CannotPauseStopped(t *testing.T) {
	ctrl := New(1)
	ctrl.Stop()
	ctrl.Pause()

	if ctrl.IsPaused() {
		t.Error("Should not be able to pause a stopped run")
	}
}

func TestRunControl_CannotResumeStopped(t *testing.T) {
	ctrl := New(1)
	ctrl.Stop()
	ctrl.Resume()

	if ctrl.IsRunning() {
		t.Error("Should not be able to resume a stopped run")
	}
}

func TestRunControl_Checkpoint_Running(t *testing.T) {
	ctrl := New(1)
	if !ctrl.Checkpoint() {
		t.Error("Checkpoint should return true when running")
	}
}

func TestRunControl_Checkpoint_Stopped(t *testing.T) {
	ctrl := New(1)
	ctrl.Stop()
	if ctrl.Checkpoint() {
		t.Error("Checkpoint should return false when stopped")
	}
}

func TestRunControl_Checkpoint_PausedThenResumed(t *testing.T) {
	ctrl := New(1)
	ctrl.Pause()

	var result bool
	done := make(chan struct{})

	go func() {
		result = ctrl.Checkpoint()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Checkpoint should block while paused")
	default:
	}

	ctrl.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Checkpoint did not unblock after resume")
	}
	if !result {
		t.Error("Checkpoint should return true after resume")
	}
}

func TestRunControl_Checkpoint_PausedThenStopped(t *testing.T) {
	ctrl := New(1)
	ctrl.Pause()

	var result bool
	done := make(chan struct{})

	go func() {
		result = ctrl.Checkpoint()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	ctrl.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Checkpoint did not unblock after stop")
	}
	if result {
		t.Error("Checkpoint should return false after stop")
	}
}
