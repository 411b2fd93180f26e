package webhook

import "strings"

var (
	notificationFields = []string{"Message", "MessageId", "Subject", "Timestamp", "TopicArn", "Type"}
	subscriptionFields = []string{"Message", "MessageId", "SubscribeURL", "Timestamp", "Token", "TopicArn", "Type"}

	optionalFields = map[string]bool{"Subject": true, "Token": true}
)

// CanonicalString builds the string SNS signed for this envelope type and
// lists the required fields that were absent.
func CanonicalString(env *Envelope) (string, []string) {
	fields := notificationFields
	if env.TypeName() != TypeNotification {
		fields = subscriptionFields
	}

	var (
		b       strings.Builder
		missing []string
	)
	for _, name := range fields {
		v := env.field(name)
		if v == nil {
			if !optionalFields[name] {
				missing = append(missing, name)
			}
			continue
		}
		b.WriteString(name)
		b.WriteByte('\n')
		b.WriteString(*v)
		b.WriteByte('\n')
	}
	return b.String(), missing
}
