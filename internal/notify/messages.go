package notify

import (
	"fmt"
	"strings"

	"github.com/lalithlochan/waitlistq/internal/analytics"
)

const signature = "The WaitlistQ team"

func greetingName(name *string) string {
	if name != nil && strings.TrimSpace(*name) != "" {
		return *name
	}
	return "there"
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func digestMessage(waitlistName string, ownerName *string, d *analytics.Digest) (subject, body string) {
	subject = fmt.Sprintf("Weekly Digest: %s", waitlistName)

	var b strings.Builder
	fmt.Fprintf(&b, "Hey %s! Here's your weekly update for %q:\n\n", greetingName(ownerName), waitlistName)
	fmt.Fprintf(&b, "New signups: %d\n", d.NewSignups)
	fmt.Fprintf(&b, "Total: %d\n", d.Total)
	fmt.Fprintf(&b, "Referrals: %d\n", d.WeeklyReferrals)
	if d.TopReferrer != nil {
		fmt.Fprintf(&b, "Top referrer: %s\n", *d.TopReferrer)
	}
	b.WriteString("\nKeep growing! " + signature)
	return subject, b.String()
}

func closingSoonMessage(waitlistName string, ownerName *string, daysLeft int) (subject, body string) {
	subject = fmt.Sprintf("%q closes in %d days", waitlistName, daysLeft)
	body = fmt.Sprintf("Hey %s,\n\n", greetingName(ownerName)) +
		fmt.Sprintf("Your waitlist %q is set to close in %d days.\n\n", waitlistName, daysLeft) +
		"Make sure to:\n" +
		"• Share your waitlist link one more time\n" +
		"• Send invitations to your top waitlisters\n" +
		"• Export your email list before it closes\n\n" +
		signature
	return subject, body
}

func closingTomorrowMessage(waitlistName string, ownerName *string) (subject, body string) {
	subject = fmt.Sprintf("%q closes TOMORROW", waitlistName)
	body = fmt.Sprintf("Hey %s,\n\n", greetingName(ownerName)) +
		fmt.Sprintf("Your waitlist %q closes tomorrow! Last chance to:\n\n", waitlistName) +
		"• Export your subscriber list\n" +
		"• Send final invite emails\n" +
		"• Consider extending the deadline\n\n" +
		signature
	return subject, body
}

func milestoneMessage(waitlistName string, subscriberName *string, recent, spots, total int) (subject, body string) {
	subject = fmt.Sprintf("You moved up %s on %q!", plural(spots, "spot"), waitlistName)
	body = fmt.Sprintf("Great news, %s!\n\n", greetingName(subscriberName)) +
		fmt.Sprintf("%s joined %q through your referral link. ", plural(recent, "friend"), waitlistName) +
		fmt.Sprintf("You've moved up %s on the waitlist!\n\n", plural(spots, "spot")) +
		fmt.Sprintf("Total referrals: %d\n\n", total) +
		"Keep sharing to move even higher!"
	return subject, body
}
