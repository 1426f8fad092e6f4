package stage

import "github.com/mrzor/udplat/internal/record"

// Stage names of the default UDP send-path table.
const (
	SendRequested  = "sys_enter_sendto"
	SockSendmsg    = "sock_sendmsg"
	TransportEnter = "udp_sendmsg"
	NetworkEnter   = "ip_send_skb"
	Complete       = "dev_queue_xmit"
	SockReturn     = "sock_sendmsg_return"
	SyscallExit    = "sys_exit_sendto"
)

// DefaultStages is the kernel UDP send path from user-space copy-in to the device queue.
//
// sock_sendmsg is the pipeline start; the sendto syscall entry precedes it and is
// merged opportunistically to measure copy-in time. The return of sock_sendmsg and
// the sendto syscall exit both discard whatever is left for the thread.
var DefaultStages = []Stage{
	{Name: SendRequested, Attach: "tracepoint:syscalls/sys_enter_sendto", Role: RolePreStage},
	{Name: SockSendmsg, Attach: "kprobe:sock_sendmsg", Role: RoleStart},
	{Name: TransportEnter, Attach: "kprobe:udp_sendmsg", Role: RoleIntermediate},
	{Name: NetworkEnter, Attach: "kprobe:ip_send_skb", Role: RoleIntermediate, Requires: []string{TransportEnter}},
	{Name: Complete, Attach: "kprobe:dev_queue_xmit", Role: RoleTerminal, Requires: []string{TransportEnter, NetworkEnter}},
	{Name: SockReturn, Attach: "kretprobe:sock_sendmsg", Role: RoleAbort},
	{Name: SyscallExit, Attach: "tracepoint:syscalls/sys_exit_sendto", Role: RoleAbort},
}

// DefaultIntervals yields the Copy and UDP columns; the total is always reported.
var DefaultIntervals = []Interval{
	{Name: "Copy", From: SendRequested, To: SockSendmsg},
	{Name: "UDP", From: TransportEnter, To: NetworkEnter},
}

// Default returns the built-in UDP send-path table.
func Default() *Table {
	t, err := New(DefaultStages, DefaultIntervals, record.Milliseconds)
	if err != nil {
		panic("stage: default table is invalid: " + err.Error())
	}
	return t
}
