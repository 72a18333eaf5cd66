package timeline

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/store"
)

// transformer turns raw store records into display models. It owns three
// session-scoped caches: resolved handle names, resolved contact names,
// and built display models keyed by guid plus a dependency fingerprint.
// All methods run on the controller's render goroutine.
type transformer struct {
	store  MessageStore
	logger *zap.Logger

	handleNames  map[int64]string
	contactNames map[string]string
	models       map[string]modelCacheEntry
}

type modelCacheEntry struct {
	depKey string
	model  *DisplayMessage
}

func newTransformer(st MessageStore, logger *zap.Logger) *transformer {
	return &transformer{
		store:        st,
		logger:       logger,
		handleNames:  map[int64]string{},
		contactNames: map[string]string{},
		models:       map[string]modelCacheEntry{},
	}
}

// run builds display models for records, preserving input order. Records
// sharing a guid collapse to the first occurrence.
func (t *transformer) run(records []store.Message) []*DisplayMessage {
	deduped := dedupeByGUID(records)
	if len(deduped) == 0 {
		return nil
	}

	guids := make([]string, len(deduped))
	byGUID := make(map[string]*store.Message, len(deduped))
	for i := range deduped {
		guids[i] = deduped[i].GUID
		byGUID[deduped[i].GUID] = &deduped[i]
	}

	reactions := t.reactionsByTarget(guids)
	attachments := t.attachmentsByMessage(guids)
	t.resolveSenders(deduped, reactions)
	previews := t.replyPreviews(deduped, byGUID)

	out := make([]*DisplayMessage, 0, len(deduped))
	for i := range deduped {
		rec := &deduped[i]
		key := t.depKey(rec, reactions[rec.GUID], attachments[rec.GUID], previews[rec.GUID])
		if cached, ok := t.models[rec.GUID]; ok && cached.depKey == key {
			out = append(out, cached.model)
			continue
		}
		model := t.build(rec, reactions[rec.GUID], attachments[rec.GUID], previews[rec.GUID])
		t.models[rec.GUID] = modelCacheEntry{depKey: key, model: model}
		out = append(out, model)
	}
	return out
}

func dedupeByGUID(records []store.Message) []store.Message {
	seen := make(map[string]struct{}, len(records))
	out := make([]store.Message, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.GUID]; ok {
			continue
		}
		seen[r.GUID] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (t *transformer) reactionsByTarget(guids []string) map[string][]store.Message {
	rows, err := t.store.ReactionsForMessages(guids)
	if err != nil {
		t.logger.Warn("reaction lookup failed", zap.Error(err))
		return nil
	}
	out := make(map[string][]store.Message)
	for _, r := range rows {
		target := store.AssociationTarget(r.AssociatedGUID)
		if target == "" {
			continue
		}
		out[target] = append(out[target], r)
	}
	return out
}

func (t *transformer) attachmentsByMessage(guids []string) map[string][]store.Attachment {
	rows, err := t.store.AttachmentsForMessages(guids)
	if err != nil {
		t.logger.Warn("attachment lookup failed", zap.Error(err))
		return nil
	}
	out := make(map[string][]store.Attachment)
	for _, a := range rows {
		out[a.MessageGUID] = append(out[a.MessageGUID], a)
	}
	return out
}

// replyPreviews resolves thread originators, preferring records already in
// the batch and falling back to a store lookup. Unresolvable originators
// get a placeholder with Loaded false.
func (t *transformer) replyPreviews(records []store.Message, byGUID map[string]*store.Message) map[string]*ReplyPreview {
	var missing []string
	need := make(map[string]struct{})
	for _, r := range records {
		g := r.ThreadOriginatorGUID
		if g == "" {
			continue
		}
		need[g] = struct{}{}
		if _, ok := byGUID[g]; !ok {
			missing = append(missing, g)
		}
	}
	if len(need) == 0 {
		return nil
	}

	resolved := make(map[string]*store.Message, len(need))
	for g := range need {
		if m, ok := byGUID[g]; ok {
			resolved[g] = m
		}
	}
	if len(missing) > 0 {
		rows, err := t.store.MessagesByGUIDs(missing)
		if err != nil {
			t.logger.Warn("reply originator lookup failed", zap.Error(err))
		}
		for i := range rows {
			resolved[rows[i].GUID] = &rows[i]
		}
	}

	out := make(map[string]*ReplyPreview)
	for _, r := range records {
		g := r.ThreadOriginatorGUID
		if g == "" {
			continue
		}
		orig, ok := resolved[g]
		if !ok {
			out[r.GUID] = &ReplyPreview{GUID: g}
			continue
		}
		out[r.GUID] = &ReplyPreview{
			GUID:          g,
			SenderName:    t.senderName(orig),
			Text:          orig.Text,
			HasAttachment: orig.HasAttachments,
			Loaded:        true,
		}
	}
	return out
}

// resolveSenders warms the handle and contact caches for every sender in
// the batch, reactions included, with one query per table.
func (t *transformer) resolveSenders(records []store.Message, reactions map[string][]store.Message) {
	var handleIDs []int64
	var addrs []string
	seenIDs := make(map[int64]struct{})
	seenAddrs := make(map[string]struct{})

	collect := func(m *store.Message) {
		if m.HandleID > 0 {
			if _, ok := t.handleNames[m.HandleID]; !ok {
				if _, ok := seenIDs[m.HandleID]; !ok {
					seenIDs[m.HandleID] = struct{}{}
					handleIDs = append(handleIDs, m.HandleID)
				}
			}
		}
		if m.Address != "" {
			norm := NormalizeAddress(m.Address)
			if _, ok := t.contactNames[norm]; !ok {
				if _, ok := seenAddrs[norm]; !ok {
					seenAddrs[norm] = struct{}{}
					addrs = append(addrs, norm)
				}
			}
		}
	}
	for i := range records {
		collect(&records[i])
	}
	for _, rs := range reactions {
		for i := range rs {
			collect(&rs[i])
		}
	}

	if len(handleIDs) > 0 {
		handles, err := t.store.HandlesByIDs(handleIDs)
		if err != nil {
			t.logger.Warn("handle lookup failed", zap.Error(err))
		}
		for _, h := range handles {
			t.handleNames[h.ID] = h.DisplayName
		}
		for _, id := range handleIDs {
			if _, ok := t.handleNames[id]; !ok {
				t.handleNames[id] = ""
			}
		}
	}
	if len(addrs) > 0 {
		names, err := t.store.ContactNamesByAddresses(addrs)
		if err != nil {
			t.logger.Warn("contact lookup failed", zap.Error(err))
		}
		for _, a := range addrs {
			t.contactNames[a] = names[a]
		}
	}
}

// senderName resolves a display name, preferring the contacts table over
// the handle record, falling back to the raw address.
func (t *transformer) senderName(m *store.Message) string {
	if m.FromMe {
		return ""
	}
	if m.Address != "" {
		if name := t.contactNames[NormalizeAddress(m.Address)]; name != "" {
			return name
		}
	}
	if m.HandleID > 0 {
		if name := t.handleNames[m.HandleID]; name != "" {
			return name
		}
	}
	return m.Address
}

func (t *transformer) depKey(rec *store.Message, reactions []store.Message, atts []store.Attachment, preview *ReplyPreview) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(rec.DateEdited, 10))
	b.WriteByte('|')
	b.WriteString(flags(rec))
	for _, r := range reactions {
		b.WriteByte('|')
		b.WriteString(r.GUID)
		b.WriteByte(':')
		b.WriteString(r.AssociatedType)
	}
	for _, a := range atts {
		b.WriteByte('|')
		b.WriteString(a.GUID)
		b.WriteByte(':')
		b.WriteString(a.TransferState)
		b.WriteByte(':')
		b.WriteString(a.LocalPath)
	}
	if preview != nil {
		b.WriteByte('|')
		if preview.Loaded {
			// The originator's own content is part of the fingerprint so an
			// edited originator rebuilds the replies pointing at it.
			b.WriteString("r:" + preview.GUID)
			b.WriteByte(':')
			b.WriteString(preview.SenderName)
			b.WriteByte(':')
			b.WriteString(preview.Text)
			if preview.HasAttachment {
				b.WriteString(":a")
			}
		} else {
			b.WriteString("r?")
		}
	}
	b.WriteByte('|')
	b.WriteString(t.senderName(rec))
	return b.String()
}

func flags(rec *store.Message) string {
	buf := make([]byte, 0, 5)
	for _, f := range []bool{rec.IsSent, rec.IsDelivered, rec.IsRead, rec.HasError} {
		if f {
			buf = append(buf, '1')
		} else {
			buf = append(buf, '0')
		}
	}
	return string(buf)
}

func (t *transformer) build(rec *store.Message, reactions []store.Message, atts []store.Attachment, preview *ReplyPreview) *DisplayMessage {
	dm := &DisplayMessage{
		GUID:                 rec.GUID,
		ChatGUID:             rec.ChatGUID,
		Text:                 rec.Text,
		Subject:              rec.Subject,
		FromMe:               rec.FromMe,
		IsSent:               rec.IsSent,
		IsDelivered:          rec.IsDelivered,
		IsRead:               rec.IsRead,
		HasError:             rec.HasError,
		DateCreated:          rec.DateCreated,
		SenderName:           t.senderName(rec),
		SenderAddress:        rec.Address,
		ThreadOriginatorGUID: rec.ThreadOriginatorGUID,
		ReplyPreview:         preview,
	}
	for _, a := range atts {
		dm.Attachments = append(dm.Attachments, AttachmentView{
			GUID:         a.GUID,
			MimeType:     a.MimeType,
			TransferName: a.TransferName,
			LocalPath:    a.LocalPath,
			Pending:      a.TransferState != "done",
		})
	}
	for i := range reactions {
		r := &reactions[i]
		dm.Reactions = append(dm.Reactions, ReactionView{
			GUID:       r.GUID,
			Kind:       reactionKind(r.AssociatedType),
			FromMe:     r.FromMe,
			SenderName: t.senderName(r),
		})
	}
	return dm
}

// reactionKind maps the wire tapback code to a stable name. Codes at or
// above 3000 are removals and keep their raw value prefixed, so callers
// can still distinguish them.
func reactionKind(assocType string) string {
	switch assocType {
	case "2000":
		return "love"
	case "2001":
		return "like"
	case "2002":
		return "dislike"
	case "2003":
		return "laugh"
	case "2004":
		return "emphasize"
	case "2005":
		return "question"
	}
	return assocType
}
