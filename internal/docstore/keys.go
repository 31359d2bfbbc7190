package docstore

// Key builders for the shared key space. Все компоненты обращаются к
// документам только через эти функции, чтобы не разъезжались префиксы.

// AccountKey is the directory record of one account, by internal id
func AccountKey(internalID string) string {
	return "accounts/" + internalID
}

// CanonicalIndexKey maps a canonical id back to the owning internal id
func CanonicalIndexKey(canonicalID string) string {
	return "canonical/" + canonicalID
}

// LinkKey is the relationship record document
func LinkKey(linkKey string) string {
	return "links/" + linkKey
}

// LinkSetKey is the membership index for one account id. The id may be in
// internal or canonical form depending on what the writer knew at the time;
// both forms can exist for the same account.
func LinkSetKey(accountID string) string {
	return "linksets/" + accountID
}

// InboxKey is the notification inbox document, by canonical id
func InboxKey(canonicalID string) string {
	return "inboxes/" + canonicalID
}

// ConversationKey is the conversation document
func ConversationKey(convKey string) string {
	return "conversations/" + convKey
}

// SponsorIndexKey lists conversation keys that exist only because of a link
func SponsorIndexKey(linkKey string) string {
	return "convidx/" + linkKey
}

// ReceiptKey is one account's read receipt for one conversation
func ReceiptKey(accountID, convKey string) string {
	return "receipts/" + accountID + "/" + convKey
}
