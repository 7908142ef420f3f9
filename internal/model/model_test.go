package model

import "testing"

func TestIncomer_Casts(t *testing.T) {
	i := &Incomer{EventsCast: []string{"accountingFolder", "orderPlaced"}}
	if !i.Casts("accountingFolder") {
		t.Fatalf("expected Casts(accountingFolder) to be true")
	}
	if i.Casts("unknownEvent") {
		t.Fatalf("expected Casts(unknownEvent) to be false")
	}
}

func TestIncomer_Subscription(t *testing.T) {
	i := &Incomer{EventsSubscribe: []EventSubscription{{Name: "e", HorizontalScale: true}}}
	sub, ok := i.Subscription("e")
	if !ok {
		t.Fatalf("expected subscription to be found")
	}
	if !sub.HorizontalScale {
		t.Fatalf("expected HorizontalScale true")
	}
	if _, ok := i.Subscription("missing"); ok {
		t.Fatalf("expected no subscription for an unregistered event")
	}
}

func TestTransaction_IsRelatedTo(t *testing.T) {
	tx := &Transaction{RelatedTransaction: StrPtr("abc")}
	if !tx.IsRelatedTo("abc") {
		t.Fatalf("expected IsRelatedTo(abc) to be true")
	}
	if tx.IsRelatedTo("xyz") {
		t.Fatalf("expected IsRelatedTo(xyz) to be false")
	}

	var main Transaction
	if main.IsRelatedTo("anything") {
		t.Fatalf("a main transaction with no RelatedTransaction must never match")
	}
}
