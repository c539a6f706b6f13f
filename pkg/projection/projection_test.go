package projection

import (
	"reflect"
	"testing"
	"time"

	"github.com/daviddao/threadsync/pkg/model"
)

func confirmed(id string, ms int64) model.ServerMessage {
	return model.ServerMessage{
		ID: id, ThreadID: "t1", Sender: model.SenderOwner,
		Content:   model.Content{Kind: model.KindText, Text: id},
		CreatedAt: time.UnixMilli(ms),
	}
}

func local(id string, ms int64, status model.SendStatus) model.PendingMessage {
	return model.PendingMessage{
		LocalID: id, ThreadID: "t1",
		Content:   model.Content{Kind: model.KindText, Text: id},
		CreatedAt: time.UnixMilli(ms),
		Status:    status,
	}
}

func TestProjectInterleavesByTime(t *testing.T) {
	s := model.NewThreadState("t1")
	s.Confirmed = []model.ServerMessage{confirmed("a", 10), confirmed("c", 30)}
	s.Pending = []model.PendingMessage{local("l1", 20, model.StatusSending), local("l2", 40, model.StatusFailed)}

	got := Keys(Project(s))
	if want := []string{"a", "l1", "c", "l2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("projection = %v, want %v", got, want)
	}
}

func TestProjectHidesLinkedPending(t *testing.T) {
	s := model.NewThreadState("t1")
	s.Confirmed = []model.ServerMessage{confirmed("s1", 1010)}
	p := local("l1", 1000, model.StatusSent)
	p.ServerMessageID = "s1"
	unconfirmed := local("l2", 1001, model.StatusSent)
	unconfirmed.ServerMessageID = "s2"
	s.Pending = []model.PendingMessage{p, unconfirmed}

	list := Project(s)
	if got, want := Keys(list), []string{"l2", "s1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("projection = %v, want %v", got, want)
	}
	if list[1].CreatedAt().UnixMilli() != 1010 {
		t.Fatal("confirmed copy should carry the server timestamp")
	}
}

func TestProjectTieKeepsServerFirstAndSendOrder(t *testing.T) {
	s := model.NewThreadState("t1")
	s.Confirmed = []model.ServerMessage{confirmed("s", 50)}
	s.Pending = []model.PendingMessage{local("p1", 50, model.StatusSending), local("p2", 50, model.StatusSending)}

	if got, want := Keys(Project(s)), []string{"s", "p1", "p2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("projection = %v, want %v", got, want)
	}
}

func TestProjectDropsDuplicateKeys(t *testing.T) {
	s := model.NewThreadState("t1")
	s.Confirmed = []model.ServerMessage{confirmed("a", 1), confirmed("a", 1)}
	s.Pending = []model.PendingMessage{local("l", 2, model.StatusSending), local("l", 2, model.StatusSending)}

	list := Project(s)
	if !Unique(list) || len(list) != 2 {
		t.Fatalf("projection not unique: %v", Keys(list))
	}
}

func TestProjectDoesNotAliasState(t *testing.T) {
	s := model.NewThreadState("t1")
	s.Confirmed = []model.ServerMessage{confirmed("a", 1)}
	list := Project(s)
	list[0].Server.Text = "mutated"
	if s.Confirmed[0].Text != "a" {
		t.Fatal("projection entries must not alias state")
	}
}

func TestProjectEmpty(t *testing.T) {
	if got := Project(model.NewThreadState("t1")); len(got) != 0 {
		t.Fatalf("empty state projected %d entries", len(got))
	}
}

func TestUnique(t *testing.T) {
	a := model.FromServer(confirmed("a", 1))
	if !Unique([]model.DisplayMessage{a}) {
		t.Fatal("single entry is unique")
	}
	if Unique([]model.DisplayMessage{a, a}) {
		t.Fatal("repeated entry is not unique")
	}
}
