package watcher

import (
	"github.com/btcsuite/btcd/txscript"
)

// templateOp is one slot of a script template: either an exact opcode
// or a data push whose length must satisfy pushLen.
type templateOp struct {
	opcode  byte
	pushLen func(n int) bool
}

func op(opcode byte) templateOp {
	return templateOp{opcode: opcode}
}

func push(valid func(n int) bool) templateOp {
	return templateOp{pushLen: valid}
}

var (
	pushHash160 = push(func(n int) bool { return n == 20 })
	pushPubkey  = push(func(n int) bool { return n == 33 })
	pushSize    = push(func(n int) bool { return n == 1 })
	pushCltv    = push(func(n int) bool { return n >= 1 && n <= 5 })
)

// The two BOLT-3 HTLC redeem script shapes, as they appear as the
// final witness element of a first-stage HTLC spend. Anchor-channel
// variants append a CSV clause and do not match these.
var (
	offeredHTLCTemplate = []templateOp{
		op(txscript.OP_DUP), op(txscript.OP_HASH160), pushHash160, op(txscript.OP_EQUAL),
		op(txscript.OP_IF), op(txscript.OP_CHECKSIG), op(txscript.OP_ELSE),
		pushPubkey, op(txscript.OP_SWAP), op(txscript.OP_SIZE), pushSize, op(txscript.OP_EQUAL),
		op(txscript.OP_NOTIF),
		op(txscript.OP_DROP), op(txscript.OP_2), op(txscript.OP_SWAP), pushPubkey,
		op(txscript.OP_2), op(txscript.OP_CHECKMULTISIG),
		op(txscript.OP_ELSE),
		op(txscript.OP_HASH160), pushHash160, op(txscript.OP_EQUALVERIFY), op(txscript.OP_CHECKSIG),
		op(txscript.OP_ENDIF), op(txscript.OP_ENDIF),
	}

	receivedHTLCTemplate = []templateOp{
		op(txscript.OP_DUP), op(txscript.OP_HASH160), pushHash160, op(txscript.OP_EQUAL),
		op(txscript.OP_IF), op(txscript.OP_CHECKSIG), op(txscript.OP_ELSE),
		pushPubkey, op(txscript.OP_SWAP), op(txscript.OP_SIZE), pushSize, op(txscript.OP_EQUAL),
		op(txscript.OP_IF),
		op(txscript.OP_HASH160), pushHash160, op(txscript.OP_EQUALVERIFY),
		op(txscript.OP_2), op(txscript.OP_SWAP), pushPubkey, op(txscript.OP_2), op(txscript.OP_CHECKMULTISIG),
		op(txscript.OP_ELSE),
		op(txscript.OP_DROP), pushCltv, op(txscript.OP_CHECKLOCKTIMEVERIFY), op(txscript.OP_DROP),
		op(txscript.OP_CHECKSIG),
		op(txscript.OP_ENDIF), op(txscript.OP_ENDIF),
	}
)

// matchScriptTemplate reports whether script parses and its opcode
// sequence matches the template exactly.
func matchScriptTemplate(script []byte, template []templateOp) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	i := 0
	for tokenizer.Next() {
		if i >= len(template) {
			return false
		}
		slot := template[i]
		if slot.pushLen != nil {
			data := tokenizer.Data()
			if data == nil || !slot.pushLen(len(data)) {
				return false
			}
		} else if tokenizer.Opcode() != slot.opcode {
			return false
		}
		i++
	}
	if tokenizer.Err() != nil {
		return false
	}
	return i == len(template)
}

// MatchOfferedHTLCScript reports whether the redeem script is an
// offered (outgoing) HTLC output script.
func MatchOfferedHTLCScript(redeemScript []byte) bool {
	return matchScriptTemplate(redeemScript, offeredHTLCTemplate)
}

// MatchReceivedHTLCScript reports whether the redeem script is a
// received (incoming) HTLC output script.
func MatchReceivedHTLCScript(redeemScript []byte) bool {
	return matchScriptTemplate(redeemScript, receivedHTLCTemplate)
}
