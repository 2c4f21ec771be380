package smtp

// Reply codes, the subset courier deals with when interpreting relay engine
// responses and composing rejections.
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235
	C250Completed    = 250
	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452

	C500BadSyntax         = 500
	C535AuthBadCreds      = 535
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C554TransactionFailed = 554
)

// Short enhanced reply codes, without leading number and first dot, the subset
// courier uses when rejecting inbound transactions.
var (
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeNet4Other0               = "4.0"
	SeNet4DNSFail4             = "4.4"
	SePol7Other0               = "7.0"
	SePol7DeliveryUnauth1      = "7.1"
)
