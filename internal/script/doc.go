// Package script automates a debug session from Lua.
//
// Scripts run in a sandboxed gopher-lua state with the base, table, string
// and math libraries. File, OS and module loading functions are removed.
// The session is exposed as the global table dbg:
//
//	dbg.attach()
//	local bp = dbg.add_breakpoint(0x82000000, 0x82000010)
//	dbg.continue()
//	if dbg.wait("paused", 5000) then
//	    for _, t in ipairs(dbg.threads()) do print(t.id, t.name) end
//	end
//	dbg.remove_breakpoint(bp)
//	dbg.detach()
//
// Operations that fail raise a Lua error; scripts may catch it with pcall.
// Function identifiers are 64-bit and are passed as hex strings. Addresses
// may be numbers or strings such as "0x82000010".
//
// Run-control calls block until the target settles. Every call observes the
// context given to Run, so cancelling it stops a script between
// instructions.
package script
