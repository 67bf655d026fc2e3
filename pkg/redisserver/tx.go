package redisserver

import (
	"strings"

	"github.com/tidwall/redcon"
)

// writers lists the commands that modify their keys. DEL takes every
// argument as a key, the others only the first.
var writers = map[string]bool{
	"del": true, "set": true, "setnx": true, "append": true,
	"incr": true, "incrby": true,
	"hset": true, "hsetnx": true, "hdel": true, "hincrby": true,
	"zadd": true, "zrem": true,
}

func writtenKeys(name string, args [][]byte) [][]byte {
	if !writers[name] {
		return nil
	}
	if name == "del" {
		return args[1:]
	}
	return args[1:2]
}

// connState is the MULTI/WATCH state of one connection.
type connState struct {
	watched map[string]uint64
	multi   bool
	dirty   bool
	queued  []queuedCommand
}

type queuedCommand struct {
	name string
	cmd  command
	args [][]byte
}

func stateOf(conn redcon.Conn) *connState {
	if st, ok := conn.Context().(*connState); ok {
		return st
	}
	st := &connState{}
	conn.SetContext(st)
	return st
}

func (st *connState) reset() {
	st.watched = nil
	st.multi = false
	st.dirty = false
	st.queued = nil
}

// touch bumps the version of written keys. Callers hold execMu.
func (s *Server) touch(keys [][]byte) {
	if len(keys) == 0 {
		return
	}
	s.vmu.Lock()
	defer s.vmu.Unlock()
	for _, k := range keys {
		s.versions[string(k)]++
	}
}

func (s *Server) version(key string) uint64 {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	return s.versions[key]
}

// transaction handles the transaction commands and queues commands inside
// MULTI. It reports whether the command was consumed.
func (s *Server) transaction(conn redcon.Conn, name string, c command, args [][]byte) bool {
	st := stateOf(conn)
	switch name {
	case "multi":
		if st.multi {
			conn.WriteError("ERR MULTI calls can not be nested")
			return true
		}
		st.multi = true
		conn.WriteString("OK")
		return true
	case "discard":
		if !st.multi {
			conn.WriteError("ERR DISCARD without MULTI")
			return true
		}
		st.reset()
		conn.WriteString("OK")
		return true
	case "watch":
		if st.multi {
			conn.WriteError("ERR WATCH inside MULTI is not allowed")
			return true
		}
		s.execMu.RLock()
		if st.watched == nil {
			st.watched = make(map[string]uint64)
		}
		for _, k := range args[1:] {
			if _, ok := st.watched[string(k)]; !ok {
				st.watched[string(k)] = s.version(string(k))
			}
		}
		s.execMu.RUnlock()
		conn.WriteString("OK")
		return true
	case "unwatch":
		st.watched = nil
		conn.WriteString("OK")
		return true
	case "exec":
		if !st.multi {
			conn.WriteError("ERR EXEC without MULTI")
			return true
		}
		s.exec(conn, st)
		return true
	}
	if !st.multi {
		return false
	}
	if c.fn == nil || !arityOK(c, args) {
		st.dirty = true
		conn.WriteError("ERR wrong number of arguments or unknown command '" + name + "'")
		return true
	}
	st.queued = append(st.queued, queuedCommand{name: name, cmd: c, args: copyArgs(args)})
	conn.WriteString("QUEUED")
	return true
}

// exec runs the queued commands while no other command executes. A write
// to a watched key since WATCH aborts the transaction with a null reply.
func (s *Server) exec(conn redcon.Conn, st *connState) {
	defer st.reset()
	if st.dirty {
		conn.WriteError("EXECABORT Transaction discarded because of previous errors.")
		return
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()
	for key, v := range st.watched {
		if s.version(key) != v {
			conn.WriteRaw([]byte("*-1\r\n"))
			return
		}
	}
	conn.WriteArray(len(st.queued))
	for _, q := range st.queued {
		if strings.HasSuffix(q.name, "subscribe") {
			conn.WriteError("ERR " + q.name + " is not allowed in a transaction")
			continue
		}
		q.cmd.fn(s, conn, q.args)
		s.touch(writtenKeys(q.name, q.args))
	}
}

func arityOK(c command, args [][]byte) bool {
	return (c.arity > 0 && len(args) == c.arity) || (c.arity < 0 && len(args) >= -c.arity)
}

// copyArgs detaches queued arguments from the connection read buffer.
func copyArgs(args [][]byte) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = append([]byte(nil), a...)
	}
	return out
}
