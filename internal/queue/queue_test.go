package queue

import "testing"

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New()
	q.Enqueue(Command{ID: "1"})
	q.Enqueue(Command{ID: "2"})

	cmd, ok := q.Dequeue()
	if !ok || cmd.ID != "1" {
		t.Fatalf("Dequeue() = (%+v, %v), want (ID=1, true)", cmd, ok)
	}
}

func TestDequeueBlockedWhileProcessing(t *testing.T) {
	q := New()
	q.Enqueue(Command{ID: "1"})
	q.Enqueue(Command{ID: "2"})

	if _, ok := q.Dequeue(); !ok {
		t.Fatal("first Dequeue should succeed")
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("second Dequeue should block while the first is still processing")
	}

	q.Done()
	cmd, ok := q.Dequeue()
	if !ok || cmd.ID != "2" {
		t.Fatalf("Dequeue() after Done = (%+v, %v)", cmd, ok)
	}
}

func TestEnqueueHeadJumpsQueue(t *testing.T) {
	q := New()
	q.Enqueue(Command{ID: "back"})
	q.EnqueueHead(Command{ID: "front"})

	cmd, _ := q.Dequeue()
	if cmd.ID != "front" {
		t.Errorf("Dequeue() = %q, want front", cmd.ID)
	}
}

func TestDrainRejectsNewEnqueues(t *testing.T) {
	q := New()
	q.Enqueue(Command{ID: "1"})
	q.Drain()

	if q.Enqueue(Command{ID: "2"}) {
		t.Error("Enqueue should fail once draining")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (existing command still queued)", q.Len())
	}
	if _, ok := q.Dequeue(); !ok {
		t.Error("Dequeue should still drain already-queued commands")
	}
}

func TestCurrentReportsInFlightCommand(t *testing.T) {
	q := New()
	if _, ok := q.Current(); ok {
		t.Fatal("Current should report nothing before any Dequeue")
	}

	q.Enqueue(Command{ID: "1", Goal: "submit"})
	cmd, _ := q.Dequeue()

	current, ok := q.Current()
	if !ok || current.ID != cmd.ID || current.Goal != "submit" {
		t.Fatalf("Current() = (%+v, %v), want the just-dequeued command", current, ok)
	}

	q.Done()
	if _, ok := q.Current(); ok {
		t.Error("Current should report nothing once Done has cleared processing")
	}
}

func TestLenAndProcessing(t *testing.T) {
	q := New()
	if q.Len() != 0 || q.Processing() {
		t.Fatal("new queue should be empty and idle")
	}
	q.Enqueue(Command{ID: "1"})
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	q.Dequeue()
	if !q.Processing() {
		t.Error("Processing() should be true after Dequeue")
	}
	q.Done()
	if q.Processing() {
		t.Error("Processing() should be false after Done")
	}
}
