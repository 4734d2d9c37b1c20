package consts

const MailboxDelimiter = '/'

const MailboxInbox = "INBOX"

var DefaultMailboxes = []string{
	"INBOX",
	"Sent",
	"Drafts",
	"Archive",
	"Junk",
	"Trash",
}
