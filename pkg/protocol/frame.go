// Package protocol implements the SecureChat wire format: newline-terminated
// control frames interleaved with length-announced binary payloads.
package protocol

import (
	"strconv"
	"strings"
)

// Wire tags. Every control frame starts with one of these.
const (
	TagRename          = "[SET_NAME]:"
	TagText            = "[MSG]:"
	TagRecallRequest   = "[RECALL_REQ]:"
	TagRecall          = "[RECALL]:"
	TagAttachmentStart = "[FILE_START]:"
	TagAttachment      = "[FILE_BROADCAST]:"
	TagAttachmentEnd   = "[FILE_END]"
	TagNotice          = "[INFO]"
	TagError           = "[ERROR]"
	TagRoster          = "[USERS]:"

	// Aliases accepted on decode for peers that speak the image-only dialect.
	tagImageStart     = "[IMG_START]:"
	tagImageBroadcast = "[IMG_BROADCAST]:"
	tagImageEnd       = "[IMG_END]"
)

// Kind represents the type of a frame
type Kind int

const (
	KindUnknown Kind = iota
	KindRename
	KindText
	KindRecallRequest
	KindRecall
	KindAttachmentStart
	KindAttachment
	KindAttachmentEnd
	KindNotice
	KindError
	KindRoster
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindRename:
		return "RENAME"
	case KindText:
		return "TEXT"
	case KindRecallRequest:
		return "RECALL_REQUEST"
	case KindRecall:
		return "RECALL"
	case KindAttachmentStart:
		return "ATTACHMENT_START"
	case KindAttachment:
		return "ATTACHMENT"
	case KindAttachmentEnd:
		return "ATTACHMENT_END"
	case KindNotice:
		return "NOTICE"
	case KindError:
		return "ERROR"
	case KindRoster:
		return "ROSTER"
	default:
		return "UNKNOWN"
	}
}

// AnnouncesPayload reports whether frames of this kind are immediately
// followed by Size raw bytes on the stream.
func (k Kind) AnnouncesPayload() bool {
	return k == KindAttachmentStart || k == KindAttachment
}

// Frame is one decoded control frame. Which fields are meaningful depends on
// Kind:
//
//	KindRename           Name
//	KindText             ID, Sender, Content
//	KindRecallRequest    ID
//	KindRecall           ID
//	KindAttachmentStart  Name, Size, MIME
//	KindAttachment       Name, Size, MIME
//	KindNotice           Content
//	KindError            Content
//	KindRoster           Names
//	KindUnknown          Content (the raw line)
//
// Raw holds the line exactly as it was decoded, without the terminator.
type Frame struct {
	Kind    Kind
	Raw     string
	Name    string
	ID      string
	Sender  string
	Content string
	Size    int64
	MIME    string
	Names   []string
}

// Rename builds a rename request.
func Rename(name string) Frame {
	return Frame{Kind: KindRename, Name: name}
}

// Text builds a chat message frame.
func Text(id, sender, content string) Frame {
	return Frame{Kind: KindText, ID: id, Sender: sender, Content: content}
}

// RecallRequest builds a recall request for message id.
func RecallRequest(id string) Frame {
	return Frame{Kind: KindRecallRequest, ID: id}
}

// Recall builds the notice that message id was recalled.
func Recall(id string) Frame {
	return Frame{Kind: KindRecall, ID: id}
}

// AttachmentStart builds the client header announcing an upload.
func AttachmentStart(name string, size int64, mime string) Frame {
	return Frame{Kind: KindAttachmentStart, Name: name, Size: size, MIME: mime}
}

// Attachment builds the server header announcing a relayed attachment.
func Attachment(name string, size int64, mime string) Frame {
	return Frame{Kind: KindAttachment, Name: name, Size: size, MIME: mime}
}

// Notice builds a system notice.
func Notice(text string) Frame {
	return Frame{Kind: KindNotice, Content: text}
}

// Error builds a private error notice.
func Error(text string) Frame {
	return Frame{Kind: KindError, Content: text}
}

// Roster builds a presence roster.
func Roster(names []string) Frame {
	return Frame{Kind: KindRoster, Names: names}
}

// String renders the control text of the frame, without the terminator.
func (f Frame) String() string {
	switch f.Kind {
	case KindRename:
		return TagRename + f.Name
	case KindText:
		return TagText + f.ID + "|" + f.Sender + "|" + f.Content
	case KindRecallRequest:
		return TagRecallRequest + f.ID
	case KindRecall:
		return TagRecall + f.ID
	case KindAttachmentStart:
		return TagAttachmentStart + attachmentFields(f)
	case KindAttachment:
		return TagAttachment + attachmentFields(f)
	case KindAttachmentEnd:
		return TagAttachmentEnd
	case KindNotice:
		return TagNotice + " " + f.Content
	case KindError:
		return TagError + " " + f.Content
	case KindRoster:
		return TagRoster + strings.Join(f.Names, ",")
	default:
		if f.Raw != "" {
			return f.Raw
		}
		return f.Content
	}
}

func attachmentFields(f Frame) string {
	return f.Name + "|" + strconv.FormatInt(f.Size, 10) + "|" + f.MIME
}
