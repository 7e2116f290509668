package conversation

import (
	"fmt"
	"strings"

	"github.com/ashureev/supportdesk/internal/domain"
)

// Bot and system texts. Resolution steps are told apart from these by length
// on resume, so keep them under ResolutionMinLength.
const (
	msgWelcome          = "Hello! I'm your telecom support assistant. Say hi to get started."
	msgGreetFirst       = "Please greet me first (for example \"Hi\") so we can begin."
	msgChooseSector     = "Please choose the service you need help with."
	msgChooseSubprocess = "Please select the type of issue you are facing."
	msgShareLocation    = "This issue needs your location to check network coverage. Please share your location."
	msgLocationShared   = "Location shared."
	msgDescribe         = "Please describe your issue in your own words."
	msgNotTelecom       = "I can only help with telecom related issues. Please describe a telecom problem."
	msgSatisfied        = "Yes, my issue is resolved."
	msgNotSatisfied     = "No, my issue is not resolved."
	msgResolved         = "Glad I could help! Your session has been closed."
	msgTryAgain         = "Sorry that didn't help. Tell me what happened when you tried it."
	msgRaiseTicket      = "Please raise a ticket."
	msgMainMenu         = "Main menu"
	msgGoodbye          = "Thank you for contacting support. Goodbye!"
	msgAgentResolved    = "The support agent has marked your issue as resolved."

	noticeCatalog          = "Unable to load service options right now. Please try again."
	noticeResolver         = "Sorry, I couldn't get a solution right now. Please try again."
	noticeNotTelecom       = "That doesn't look like a telecom issue."
	noticeNoNewStep        = "I don't have a new suggestion for that. Please describe the issue differently."
	noticeLocationRequired = "Location access is required for this issue. Please allow location access and try again."
	noticeResolveFailed    = "We couldn't close your session right now. Please try again."
	noticeEscalationFailed = "We couldn't create your ticket right now. Reference %s has been noted; please try again."
	noticeEmailFailed      = "We couldn't send the summary email right now."
)

func ticketMessage(t domain.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your ticket has been raised. Reference: %s.", t.ReferenceNumber)
	if t.Priority != "" {
		fmt.Fprintf(&b, " Priority: %s.", t.Priority)
	}
	if t.SLAHours != nil {
		fmt.Fprintf(&b, " Expected response within %g hours.", *t.SLAHours)
	}
	if a := t.AssignedAgent; a != nil {
		fmt.Fprintf(&b, " Assigned agent: %s", a.Name)
		if a.Phone != "" {
			fmt.Fprintf(&b, " (%s)", a.Phone)
		}
		b.WriteString(".")
	}
	return b.String()
}
