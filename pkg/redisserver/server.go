package redisserver

import (
	"strconv"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/tidwall/redcon"
)

const (
	errWrongType = "WRONGTYPE Operation against a key holding the wrong kind of value"
	errNotInt    = "ERR value is not an integer or out of range"
	errSyntax    = "ERR syntax error"
)

type command struct {
	// arity counts the command name; negative means at least -arity.
	arity int
	fn    func(s *Server, conn redcon.Conn, args [][]byte)
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"ping":          {-1, cmdPing},
		"echo":          {2, cmdEcho},
		"select":        {2, cmdOK},
		"client":        {-2, cmdOK},
		"info":          {-1, cmdInfo},
		"type":          {2, cmdType},
		"del":           {-2, cmdDel},
		"exists":        {-2, cmdExists},
		"keys":          {2, cmdKeys},
		"scan":          {-2, cmdScan},
		"get":           {2, cmdGet},
		"set":           {-3, cmdSet},
		"setnx":         {3, cmdSetNX},
		"mget":          {-2, cmdMGet},
		"append":        {3, cmdAppend},
		"strlen":        {2, cmdStrlen},
		"getrange":      {4, cmdGetRange},
		"incr":          {2, cmdIncr},
		"incrby":        {3, cmdIncr},
		"hset":          {-4, cmdHSet},
		"hsetnx":        {4, cmdHSetNX},
		"hget":          {3, cmdHGet},
		"hdel":          {-3, cmdHDel},
		"hgetall":       {2, cmdHGetAll},
		"hincrby":       {4, cmdHIncrBy},
		"hlen":          {2, cmdHLen},
		"hkeys":         {2, cmdHKeys},
		"zadd":          {-4, cmdZAdd},
		"zrem":          {-3, cmdZRem},
		"zcard":         {2, cmdZCard},
		"zscore":        {3, cmdZScore},
		"zrange":        {4, cmdZRange},
		"zrangebyscore": {-4, cmdZRangeByScore},
		"publish":       {3, cmdPublish},
		"subscribe":     {-2, cmdSubscribe},
		"psubscribe":    {-2, cmdSubscribe},
	}
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	name := strings.ToLower(string(cmd.Args[0]))
	c, ok := commands[name]
	if s.transaction(conn, name, c, cmd.Args) {
		return
	}
	if !ok {
		level.Debug(s.logger).Log("msg", "unknown command", "command", name)
		conn.WriteError("ERR unknown command '" + name + "'")
		return
	}
	if !arityOK(c, cmd.Args) {
		conn.WriteError("ERR wrong number of arguments for '" + name + "' command")
		return
	}
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	c.fn(s, conn, cmd.Args)
	s.touch(writtenKeys(name, cmd.Args))
}

func cmdOK(s *Server, conn redcon.Conn, args [][]byte) { conn.WriteString("OK") }

func cmdEcho(s *Server, conn redcon.Conn, args [][]byte) { conn.WriteBulk(args[1]) }

func cmdInfo(s *Server, conn redcon.Conn, args [][]byte) { conn.WriteBulkString(s.getInfo()) }

func cmdType(s *Server, conn redcon.Conn, args [][]byte) {
	conn.WriteString(s.getType(string(args[1])))
}

func cmdPing(s *Server, conn redcon.Conn, args [][]byte) {
	if len(args) > 1 {
		conn.WriteBulk(args[1])
		return
	}
	conn.WriteString("PONG")
}

func cmdDel(s *Server, conn redcon.Conn, args [][]byte) {
	conn.WriteInt(s.del(stringArgs(args[1:])))
}

func cmdExists(s *Server, conn redcon.Conn, args [][]byte) {
	conn.WriteInt(s.exists(stringArgs(args[1:])))
}

func cmdKeys(s *Server, conn redcon.Conn, args [][]byte) {
	writeStrings(conn, s.keys(string(args[1])))
}

// SCAN cursor [MATCH pattern] [COUNT count]
func cmdScan(s *Server, conn redcon.Conn, args [][]byte) {
	cursor, err := strconv.Atoi(string(args[1]))
	if err != nil || cursor < 0 {
		conn.WriteError("ERR invalid cursor")
		return
	}
	pattern, count := "*", 10
	for i := 2; i < len(args); i++ {
		switch strings.ToLower(string(args[i])) {
		case "match":
			if i+1 >= len(args) {
				conn.WriteError(errSyntax)
				return
			}
			pattern = string(args[i+1])
			i++
		case "count":
			if i+1 >= len(args) {
				conn.WriteError(errSyntax)
				return
			}
			if count, err = strconv.Atoi(string(args[i+1])); err != nil || count < 1 {
				conn.WriteError(errNotInt)
				return
			}
			i++
		default:
			conn.WriteError(errSyntax)
			return
		}
	}

	next, keys := s.scan(cursor, pattern, count)
	conn.WriteArray(2)
	conn.WriteBulkString(strconv.Itoa(next))
	writeStrings(conn, keys)
}

func cmdGet(s *Server, conn redcon.Conn, args [][]byte) {
	v, ok, err := s.getString(string(args[1]))
	switch {
	case err != nil:
		conn.WriteError(err.Error())
	case !ok:
		conn.WriteNull()
	default:
		conn.WriteBulk(v)
	}
}

// SET key value [NX]
func cmdSet(s *Server, conn redcon.Conn, args [][]byte) {
	nx := false
	for _, opt := range args[3:] {
		if strings.ToLower(string(opt)) != "nx" {
			conn.WriteError(errSyntax)
			return
		}
		nx = true
	}
	if !s.setString(string(args[1]), args[2], nx) {
		conn.WriteNull()
		return
	}
	conn.WriteString("OK")
}

func cmdSetNX(s *Server, conn redcon.Conn, args [][]byte) {
	if s.setString(string(args[1]), args[2], true) {
		conn.WriteInt(1)
		return
	}
	conn.WriteInt(0)
}

func cmdMGet(s *Server, conn redcon.Conn, args [][]byte) {
	conn.WriteArray(len(args) - 1)
	for _, key := range args[1:] {
		v, ok, err := s.getString(string(key))
		if err != nil || !ok {
			conn.WriteNull()
			continue
		}
		conn.WriteBulk(v)
	}
}

func cmdAppend(s *Server, conn redcon.Conn, args [][]byte) {
	n, err := s.appendString(string(args[1]), args[2])
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(n)
}

func cmdStrlen(s *Server, conn redcon.Conn, args [][]byte) {
	v, _, err := s.getString(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(len(v))
}

func cmdGetRange(s *Server, conn redcon.Conn, args [][]byte) {
	start, err1 := strconv.Atoi(string(args[2]))
	end, err2 := strconv.Atoi(string(args[3]))
	if err1 != nil || err2 != nil {
		conn.WriteError(errNotInt)
		return
	}
	v, _, err := s.getString(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteBulk(byteRange(v, start, end))
}

// INCR key, INCRBY key delta
func cmdIncr(s *Server, conn redcon.Conn, args [][]byte) {
	delta := int64(1)
	if len(args) == 3 {
		var err error
		if delta, err = strconv.ParseInt(string(args[2]), 10, 64); err != nil {
			conn.WriteError(errNotInt)
			return
		}
	}
	v, err := s.incrBy(string(args[1]), delta)
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt64(v)
}

// HSET key field value [field value ...]
func cmdHSet(s *Server, conn redcon.Conn, args [][]byte) {
	if len(args)%2 != 0 {
		conn.WriteError("ERR wrong number of arguments for 'hset' command")
		return
	}
	added, err := s.hset(string(args[1]), stringArgs(args[2:]), false)
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(added)
}

func cmdHSetNX(s *Server, conn redcon.Conn, args [][]byte) {
	added, err := s.hset(string(args[1]), stringArgs(args[2:]), true)
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(added)
}

func cmdHGet(s *Server, conn redcon.Conn, args [][]byte) {
	v, ok, err := s.hget(string(args[1]), string(args[2]))
	switch {
	case err != nil:
		conn.WriteError(err.Error())
	case !ok:
		conn.WriteNull()
	default:
		conn.WriteBulkString(v)
	}
}

func cmdHDel(s *Server, conn redcon.Conn, args [][]byte) {
	n, err := s.hdel(string(args[1]), stringArgs(args[2:]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(n)
}

func cmdHGetAll(s *Server, conn redcon.Conn, args [][]byte) {
	fields, values, err := s.hgetall(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteArray(len(fields) * 2)
	for i := range fields {
		conn.WriteBulkString(fields[i])
		conn.WriteBulkString(values[i])
	}
}

func cmdHIncrBy(s *Server, conn redcon.Conn, args [][]byte) {
	delta, err := strconv.ParseInt(string(args[3]), 10, 64)
	if err != nil {
		conn.WriteError(errNotInt)
		return
	}
	v, err := s.hincrBy(string(args[1]), string(args[2]), delta)
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt64(v)
}

func cmdHLen(s *Server, conn redcon.Conn, args [][]byte) {
	fields, _, err := s.hgetall(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(len(fields))
}

func cmdHKeys(s *Server, conn redcon.Conn, args [][]byte) {
	fields, _, err := s.hgetall(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	writeStrings(conn, fields)
}

// ZADD key [NX|XX] [GT|LT] [CH] score member [score member ...]
func cmdZAdd(s *Server, conn redcon.Conn, args [][]byte) {
	var opts zaddOptions
	i := 2
options:
	for ; i < len(args); i++ {
		switch strings.ToLower(string(args[i])) {
		case "nx":
			opts.nx = true
		case "xx":
			opts.xx = true
		case "gt":
			opts.gt = true
		case "lt":
			opts.lt = true
		case "ch":
			opts.ch = true
		default:
			break options
		}
	}
	if (opts.nx && opts.xx) || (opts.gt && opts.lt) || (opts.nx && (opts.gt || opts.lt)) {
		conn.WriteError("ERR GT, LT, and/or NX options at the same time are not compatible")
		return
	}
	if i == len(args) || (len(args)-i)%2 != 0 {
		conn.WriteError(errSyntax)
		return
	}
	scores := make([]float64, 0, (len(args)-i)/2)
	members := make([]string, 0, (len(args)-i)/2)
	for ; i < len(args); i += 2 {
		score, err := strconv.ParseFloat(string(args[i]), 64)
		if err != nil {
			conn.WriteError("ERR value is not a valid float")
			return
		}
		scores = append(scores, score)
		members = append(members, string(args[i+1]))
	}
	n, err := s.zadd(string(args[1]), scores, members, opts)
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(n)
}

func cmdZRem(s *Server, conn redcon.Conn, args [][]byte) {
	n, err := s.zrem(string(args[1]), stringArgs(args[2:]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(n)
}

func cmdZCard(s *Server, conn redcon.Conn, args [][]byte) {
	members, err := s.zmembers(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteInt(len(members))
}

func cmdZScore(s *Server, conn redcon.Conn, args [][]byte) {
	score, ok, err := s.zscore(string(args[1]), string(args[2]))
	switch {
	case err != nil:
		conn.WriteError(err.Error())
	case !ok:
		conn.WriteNull()
	default:
		conn.WriteBulkString(strconv.FormatFloat(score, 'f', -1, 64))
	}
}

func cmdZRange(s *Server, conn redcon.Conn, args [][]byte) {
	start, err1 := strconv.Atoi(string(args[2]))
	stop, err2 := strconv.Atoi(string(args[3]))
	if err1 != nil || err2 != nil {
		conn.WriteError(errNotInt)
		return
	}
	members, err := s.zmembers(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	start, stop, ok := clampRange(start, stop, len(members))
	if !ok {
		conn.WriteArray(0)
		return
	}
	writeStrings(conn, memberNames(members[start:stop+1]))
}

// ZRANGEBYSCORE key min max [LIMIT offset count]
func cmdZRangeByScore(s *Server, conn redcon.Conn, args [][]byte) {
	lo, err1 := parseBound(string(args[2]))
	hi, err2 := parseBound(string(args[3]))
	if err1 != nil || err2 != nil {
		conn.WriteError("ERR min or max is not a float")
		return
	}
	offset, count := 0, -1
	for i := 4; i < len(args); i++ {
		if strings.ToLower(string(args[i])) != "limit" || i+2 >= len(args) {
			conn.WriteError(errSyntax)
			return
		}
		var err error
		if offset, err = strconv.Atoi(string(args[i+1])); err != nil {
			conn.WriteError(errNotInt)
			return
		}
		if count, err = strconv.Atoi(string(args[i+2])); err != nil {
			conn.WriteError(errNotInt)
			return
		}
		i += 2
	}

	members, err := s.zmembers(string(args[1]))
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	var out []string
	for _, m := range members {
		if !lo.below(m.score) || !hi.above(m.score) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if count == 0 {
			break
		}
		out = append(out, m.member)
		count--
	}
	writeStrings(conn, out)
}

func cmdPublish(s *Server, conn redcon.Conn, args [][]byte) {
	conn.WriteInt(s.ps.Publish(string(args[1]), string(args[2])))
}

// SUBSCRIBE detaches the connection; redcon.PubSub serves it from then on.
func cmdSubscribe(s *Server, conn redcon.Conn, args [][]byte) {
	pattern := strings.ToLower(string(args[0])) == "psubscribe"
	for _, ch := range args[1:] {
		if pattern {
			s.ps.Psubscribe(conn, string(ch))
		} else {
			s.ps.Subscribe(conn, string(ch))
		}
	}
}

func writeStrings(conn redcon.Conn, values []string) {
	conn.WriteArray(len(values))
	for _, v := range values {
		conn.WriteBulkString(v)
	}
}

func stringArgs(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}
