package tasks

// DefineTasks registers every task the worker knows how to run
func DefineTasks(r *Registry, sweeper Sweeper, notifiers Notifiers) {
	r.Register(TaskSweepPendingInvoices, sweepPendingHandler(sweeper))
	r.Register(TaskSweepRecurringPayments, sweepRecurringHandler(sweeper))
	r.Register(TaskMarkOverdueInvoices, markOverdueHandler(sweeper))

	r.Register(TaskSendInvoiceNotification, invoiceNotificationHandler(notifiers))
}
