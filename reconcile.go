package chatkit

// Matching is always by temp id. Several in-flight messages may share the
// same content and timestamp, so neither is a usable key.

func indexByTempID(seq []Message, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := range seq {
		if seq[i].ID == "" && seq[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func indexByID(seq []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range seq {
		if seq[i].ID == id {
			return i
		}
	}
	return -1
}

// reconcileSequence swaps the placeholder carrying confirmed.TempID for the
// confirmed record, keeping its position. The stored record has status sent
// and no temp id. If another record already holds the permanent id it is
// removed, so the id stays unique. When no placeholder matches, or confirmed
// has no permanent id, seq is returned untouched with ok=false.
func reconcileSequence(seq []Message, confirmed Message) (out []Message, idx int, ok bool) {
	if confirmed.ID == "" {
		return seq, -1, false
	}
	idx = indexByTempID(seq, confirmed.TempID)
	if idx < 0 {
		return seq, -1, false
	}

	rec := confirmed
	rec.TempID = ""
	rec.Status = StatusSent
	if rec.ConversationID == "" {
		rec.ConversationID = seq[idx].ConversationID
	}
	if rec.SenderID == "" {
		rec.SenderID = seq[idx].SenderID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = seq[idx].CreatedAt
	}

	out = make([]Message, len(seq))
	copy(out, seq)
	out[idx] = rec

	if dup := indexByIDExcept(out, rec.ID, idx); dup >= 0 {
		out = append(out[:dup], out[dup+1:]...)
		if dup < idx {
			idx--
		}
	}
	return out, idx, true
}

func indexByIDExcept(seq []Message, id string, skip int) int {
	if id == "" {
		return -1
	}
	for i := range seq {
		if i != skip && seq[i].ID == id {
			return i
		}
	}
	return -1
}

// markReadSequence flips every message not sent by readerID to read and
// returns how many changed.
func markReadSequence(seq []Message, readerID string) int {
	n := 0
	for i := range seq {
		if seq[i].SenderID == readerID || seq[i].Status == StatusRead {
			continue
		}
		seq[i].Status = StatusRead
		n++
	}
	return n
}
