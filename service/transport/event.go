package transport

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Event kinds as named on the bridge wire.
const (
	KindPairing     = "pairing"
	KindOpen        = "open"
	KindClose       = "close"
	KindCredentials = "creds.update"
	KindMessages    = "messages.upsert"
	KindChats       = "chats.upsert"
	KindContacts    = "contacts.upsert"
)

// Event is a tagged variant; downstream code switches on the concrete type.
type Event interface {
	Kind() string
}

type PairingChallenge struct {
	Payload string `mapstructure:"payload"`
}

type Opened struct {
	SelfID   string `mapstructure:"selfId"`
	PushName string `mapstructure:"pushName"`
}

type Closed struct {
	Code   int    `mapstructure:"code"`
	Reason string `mapstructure:"reason"`
}

type CredentialsUpdated struct {
	Set    map[string][]byte `mapstructure:"set"`
	Delete []string          `mapstructure:"delete"`
}

type MessagesReceived struct {
	Messages []Message `mapstructure:"messages"`
	Live     bool      `mapstructure:"live"` // false for history sync batches
}

type ChatsUpserted struct {
	Chats []Chat `mapstructure:"chats"`
}

type ContactsUpserted struct {
	Contacts []Contact `mapstructure:"contacts"`
}

func (PairingChallenge) Kind() string   { return KindPairing }
func (Opened) Kind() string             { return KindOpen }
func (Closed) Kind() string             { return KindClose }
func (CredentialsUpdated) Kind() string { return KindCredentials }
func (MessagesReceived) Kind() string   { return KindMessages }
func (ChatsUpserted) Kind() string      { return KindChats }
func (ContactsUpserted) Kind() string   { return KindContacts }

// Decode turns one untyped bridge payload into its variant. Unknown kinds
// return an error so the caller can log and skip them.
func Decode(kind string, data map[string]any) (Event, error) {
	switch kind {
	case KindPairing:
		return decodeInto[PairingChallenge](data)
	case KindOpen:
		return decodeInto[Opened](data)
	case KindClose:
		return decodeInto[Closed](data)
	case KindCredentials:
		return decodeInto[CredentialsUpdated](data)
	case KindMessages:
		return decodeInto[MessagesReceived](data)
	case KindChats:
		return decodeInto[ChatsUpserted](data)
	case KindContacts:
		return decodeInto[ContactsUpserted](data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func decodeInto[T Event](data map[string]any) (Event, error) {
	var out T
	if err := DecodeMap(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", out.Kind(), err)
	}
	return out, nil
}

// DecodeMap is the single place where untyped bridge data becomes typed.
func DecodeMap(data any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       base64BytesHook(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

var bytesType = reflect.TypeOf([]byte(nil))

// 凭证内容在 JSON 里是 base64 字符串
func base64BytesHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != bytesType {
			return data, nil
		}
		return base64.StdEncoding.DecodeString(data.(string))
	}
}
