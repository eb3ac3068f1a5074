package domain

var Tables = []interface{}{
	// Instances
	&WhatsAppInstance{},
	&WhatsAppSession{},
	// Inbox
	&Contact{},
	&Conversation{},
	&Message{},
	// Automation
	&ScheduledMessage{},
	&Automation{},
	&AutomationRun{},
}
