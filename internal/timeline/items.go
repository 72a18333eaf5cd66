package timeline

import "time"

// BuildItems interleaves date separators into a newest-first message
// list. Scanning from the newest message, a separator is emitted before
// the first message encountered for each calendar day.
func BuildItems(msgs []*DisplayMessage, now time.Time, loc *time.Location) []Item {
	if loc == nil {
		loc = time.Local
	}
	items := make([]Item, 0, len(msgs)+4)
	var prevKey string
	for _, m := range msgs {
		day := time.UnixMilli(m.DateCreated).In(loc)
		key := day.Format("2006-01-02")
		if key != prevKey {
			items = append(items, DateSeparator{
				DayKey: key,
				Label:  separatorLabel(day, now.In(loc)),
			})
			prevKey = key
		}
		items = append(items, MessageItem{Message: m})
	}
	return items
}

func separatorLabel(day, now time.Time) string {
	y, m, d := day.Date()
	ny, nm, nd := now.Date()
	if y == ny && m == nm && d == nd {
		return "Today"
	}
	yesterday := now.AddDate(0, 0, -1)
	yy, ym, yd := yesterday.Date()
	if y == yy && m == ym && d == yd {
		return "Yesterday"
	}
	return day.Format("January 2, 2006")
}
