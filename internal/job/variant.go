package job

import (
	"fmt"
	"strings"
)

// Variant identifies what kind of work a job represents. The set is closed:
// every value a job can carry is listed in Variants().
type Variant int

const (
	MessageSend Variant = iota + 1
	MessageReceive
	AttachmentUpload
	AttachmentDownload
	NotifyPushServer
	SendReadReceipts
	DisappearingMessages
	FailedMessageSends
	FailedAttachmentDownloads
	GarbageCollection
	UpdateProfilePicture
	RetrieveDefaultOpenGroupRooms
	SyncPushTokens
	Generic
)

var variantNames = map[Variant]string{
	MessageSend:                   "message_send",
	MessageReceive:                "message_receive",
	AttachmentUpload:              "attachment_upload",
	AttachmentDownload:            "attachment_download",
	NotifyPushServer:              "notify_push_server",
	SendReadReceipts:              "send_read_receipts",
	DisappearingMessages:          "disappearing_messages",
	FailedMessageSends:            "failed_message_sends",
	FailedAttachmentDownloads:     "failed_attachment_downloads",
	GarbageCollection:             "garbage_collection",
	UpdateProfilePicture:          "update_profile_picture",
	RetrieveDefaultOpenGroupRooms: "retrieve_default_open_group_rooms",
	SyncPushTokens:                "sync_push_tokens",
	Generic:                       "generic",
}

// Variants returns every variant in declaration order.
func Variants() []Variant {
	out := make([]Variant, 0, len(variantNames))
	for v := MessageSend; v <= Generic; v++ {
		out = append(out, v)
	}
	return out
}

func (v Variant) Valid() bool {
	_, ok := variantNames[v]
	return ok
}

func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant accepts the persisted snake_case name.
func ParseVariant(s string) (Variant, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, name := range variantNames {
		if name == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown job variant %q", s)
}

func (v Variant) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid job variant %d", int(v))
	}
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(b []byte) error {
	p, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}
