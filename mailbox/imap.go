package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"mailtriage/utils"
)

const (
	snippetLength = 200

	// defaultIMAPTimeout bounds a session whose context carries no deadline.
	defaultIMAPTimeout = 30 * time.Second
)

// IMAPCredentials locates and authenticates an IMAP mailbox.
type IMAPCredentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS or empty for plain
	Mailbox    string
}

func (c IMAPCredentials) complete() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

// IMAPSource reads unseen mail over IMAP. Message ids are UIDs within the
// selected mailbox.
type IMAPSource struct {
	creds  IMAPCredentials
	logger *logrus.Entry
}

func NewIMAPSource(creds IMAPCredentials, logger *logrus.Entry) *IMAPSource {
	if creds.Mailbox == "" {
		creds.Mailbox = "INBOX"
	}
	return &IMAPSource{
		creds:  creds,
		logger: logger,
	}
}

func (s *IMAPSource) connect(ctx context.Context) (*client.Client, error) {
	if !s.creds.complete() {
		return nil, ErrMissingCredentials
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := defaultIMAPTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	// The dialer timeout also bounds the wait for the server greeting.
	dialer := &net.Dialer{Timeout: timeout}

	var (
		imapClient *client.Client
		err        error
	)
	imapAddr := fmt.Sprintf("%s:%d", s.creds.Host, s.creds.Port)
	tlsConfig := &tls.Config{ServerName: s.creds.Host}

	switch strings.ToUpper(s.creds.Encryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialWithDialerTLS(dialer, imapAddr, tlsConfig)
	case "STARTTLS":
		imapClient, err = client.DialWithDialer(dialer, imapAddr)
		if err == nil {
			imapClient.Timeout = timeout
			err = imapClient.StartTLS(tlsConfig)
			if err != nil {
				_ = imapClient.Terminate()
			}
		}
	default:
		imapClient, err = client.DialWithDialer(dialer, imapAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP server: %w", err)
	}
	imapClient.Timeout = timeout

	if err := imapClient.Login(s.creds.Username, s.creds.Password); err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("logging in to IMAP server: %w", err)
	}

	if _, err := imapClient.Select(s.creds.Mailbox, false); err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("selecting mailbox %s: %w", s.creds.Mailbox, err)
	}
	return imapClient, nil
}

func (s *IMAPSource) FetchUnread(ctx context.Context, maxResults int) ([]Message, error) {
	imapClient, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer imapClient.Logout()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := imapClient.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}
	if len(uids) == 0 {
		return []Message{}, nil
	}

	// Newest first, like the Gmail listing.
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if limit := ClampMaxResults(maxResults); len(uids) > limit {
		uids = uids[:limit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, section.FetchItem()}

	fetched := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.UidFetch(seqset, items, fetched)
	}()

	byUID := make(map[uint32]Message, len(uids))
	for msg := range fetched {
		byUID[msg.Uid] = messageFromIMAP(msg, section, s.logger)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetching unseen messages: %w", err)
	}

	messages := make([]Message, 0, len(byUID))
	for _, uid := range uids {
		if m, ok := byUID[uid]; ok {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func (s *IMAPSource) MarkRead(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	imapClient, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer imapClient.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := imapClient.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		s.logger.WithError(err).WithField("message_id", id).Warn("failed to mark message as read")
		return fmt.Errorf("marking message %s read: %w", id, err)
	}
	return nil
}

func (s *IMAPSource) Delete(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	imapClient, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer imapClient.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqset
	found, err := imapClient.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("looking up message %s: %w", id, err)
	}
	if len(found) == 0 {
		return fmt.Errorf("deleting message %s: %w", id, ErrNotFound)
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := imapClient.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flagging message %s deleted: %w", id, err)
	}
	if err := expunge(imapClient, seqset); err != nil {
		return fmt.Errorf("expunging message %s: %w", id, err)
	}
	return nil
}

// uidExpunge is the UIDPLUS EXPUNGE command; wrapped in commands.Uid it
// removes only the listed UIDs.
type uidExpunge struct {
	seqSet *imap.SeqSet
}

func (cmd *uidExpunge) Command() *imap.Command {
	return &imap.Command{
		Name:      "EXPUNGE",
		Arguments: []interface{}{cmd.seqSet},
	}
}

// expunge removes the given UIDs. Servers without UIDPLUS only offer a plain
// EXPUNGE, which also removes any other message already flagged \Deleted.
func expunge(imapClient *client.Client, seqset *imap.SeqSet) error {
	if ok, _ := imapClient.Support("UIDPLUS"); !ok {
		return imapClient.Expunge(nil)
	}

	status, err := imapClient.Execute(&commands.Uid{Cmd: &uidExpunge{seqSet: seqset}}, nil)
	if err != nil {
		return err
	}
	return status.Err()
}

// messageFromIMAP normalizes a fetched message. Body parse errors are logged
// and leave the body empty; they never fail the batch.
func messageFromIMAP(msg *imap.Message, section *imap.BodySectionName, logger *logrus.Entry) Message {
	m := Message{ID: strconv.FormatUint(uint64(msg.Uid), 10)}

	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Sender = formatAddress(env.From)
		if !env.Date.IsZero() {
			date := env.Date
			m.ReceivedAt = &date
		}
	}

	if literal := msg.GetBody(section); literal != nil {
		parsed, err := parseRFC822(literal)
		if err != nil {
			logger.WithError(err).WithField("message_id", m.ID).Debug("failed to parse message body")
		}
		if m.Subject == "" {
			m.Subject = parsed.subject
		}
		if m.Sender == "" {
			m.Sender = parsed.from
		}
		m.DateHeader = parsed.date
		m.Body = parsed.text
	}

	if m.ReceivedAt == nil && m.DateHeader != "" {
		if t, err := utils.ParseMailDate(m.DateHeader); err == nil {
			m.ReceivedAt = &t
		}
	}

	m.Snippet = snippet(m.Body)
	return m
}

type rfc822Parts struct {
	subject string
	from    string
	date    string
	text    string
}

// parseRFC822 reads headers and the first text/plain part, falling back to
// the first other text part (HTML reduced to its text). Whatever was read
// before an error is still returned.
func parseRFC822(r io.Reader) (rfc822Parts, error) {
	var parts rfc822Parts

	mr, err := mail.CreateReader(r)
	if mr == nil {
		return parts, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	if subject, decodeErr := mr.Header.Subject(); decodeErr == nil {
		parts.subject = subject
	} else {
		parts.subject = mr.Header.Get("Subject")
	}
	parts.from = mr.Header.Get("From")
	parts.date = mr.Header.Get("Date")
	if err != nil {
		return parts, fmt.Errorf("reading message header: %w", err)
	}

	var fallback string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			parts.text = fallback
			return parts, nil
		} else if err != nil {
			parts.text = fallback
			return parts, fmt.Errorf("failed to read next part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		plain := contentType == "" || contentType == "text/plain"
		if !plain && (fallback != "" || !strings.HasPrefix(contentType, "text/")) {
			continue
		}

		b, err := io.ReadAll(p.Body)
		if err != nil {
			parts.text = fallback
			return parts, fmt.Errorf("failed to read body: %w", err)
		}
		if plain {
			parts.text = string(b)
			return parts, nil
		}
		if contentType == "text/html" {
			fallback = htmlText(string(b))
		} else {
			fallback = string(b)
		}
	}
}

// htmlText returns the visible text of an HTML document, whitespace
// collapsed. Script and style contents are dropped.
func htmlText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var (
		b      strings.Builder
		hidden int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); a == atom.Script || a == atom.Style {
				hidden++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); (a == atom.Script || a == atom.Style) && hidden > 0 {
				hidden--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func formatAddress(addrs []*imap.Address) string {
	var result []string
	for _, addr := range addrs {
		if addr == nil {
			continue
		}
		if addr.PersonalName != "" {
			result = append(result, fmt.Sprintf("%s <%s@%s>", addr.PersonalName, addr.MailboxName, addr.HostName))
		} else {
			result = append(result, fmt.Sprintf("%s@%s", addr.MailboxName, addr.HostName))
		}
	}
	return strings.Join(result, ", ")
}

func snippet(body string) string {
	text := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetLength])
}

func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("invalid IMAP message id %q: %w", id, ErrNotFound)
	}
	return uint32(uid), nil
}
