package domain

import "sort"

// eventAfter сообщает, что a добавлено позже b. Основной критерий: время создания,
// при равенстве времени порядок определяет Seq хранилища.
func eventAfter(a, b Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}

// CurrentOf возвращает текущее состояние полиса: самое позднее событие среди всех видов.
// ok=false означает, что событий нет.
func CurrentOf(events []Event) (Event, bool) {
	var (
		latest Event
		found  bool
	)
	for _, evt := range events {
		if !found || eventAfter(evt, latest) {
			latest = evt
			found = true
		}
	}
	return latest, found
}

// LastGoodOf возвращает самое позднее событие, не являющееся Failed.
func LastGoodOf(events []Event) (Event, bool) {
	var (
		latest Event
		found  bool
	)
	for _, evt := range events {
		if evt.Kind == EventFailed {
			continue
		}
		if !found || eventAfter(evt, latest) {
			latest = evt
			found = true
		}
	}
	return latest, found
}

// LatestOfKind возвращает самое позднее событие заданного вида.
func LatestOfKind(events []Event, kind EventKind) (Event, bool) {
	var (
		latest Event
		found  bool
	)
	for _, evt := range events {
		if evt.Kind != kind {
			continue
		}
		if !found || eventAfter(evt, latest) {
			latest = evt
			found = true
		}
	}
	return latest, found
}

// SortEvents упорядочивает события по времени добавления (по возрастанию).
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return eventAfter(events[j], events[i])
	})
}
