package dimse

import (
	"fmt"

	"github.com/flatmapit/dicomrelay/internal/pdu"
)

// Assembler accumulates P-DATA-TF fragments until a complete DIMSE
// message (command set plus optional data set) has been received.
type Assembler struct {
	contextID      byte
	commandBytes   []byte
	command        *Message
	dataBytes      []byte
	readAllCommand bool
	readAllData    bool
}

// Add feeds the PDVs of one P-DATA-TF into the assembler. When the
// message is complete it returns (contextID, command, dataBytes, nil);
// while more fragments are needed it returns a nil command.
func (a *Assembler) Add(items []pdu.PDV) (byte, *Message, []byte, error) {
	for _, item := range items {
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			return 0, nil, nil, fmt.Errorf("mixed presentation contexts in one message: %d and %d", a.contextID, item.ContextID)
		}

		if item.Command {
			a.commandBytes = append(a.commandBytes, item.Value...)
			if item.Last {
				if a.readAllCommand {
					return 0, nil, nil, fmt.Errorf("more than one command fragment with the last bit set")
				}
				a.readAllCommand = true
			}
		} else {
			a.dataBytes = append(a.dataBytes, item.Value...)
			if item.Last {
				if a.readAllData {
					return 0, nil, nil, fmt.Errorf("more than one data fragment with the last bit set")
				}
				a.readAllData = true
			}
		}
	}

	if !a.readAllCommand {
		return 0, nil, nil, nil
	}
	if a.command == nil {
		command, err := Decode(a.commandBytes)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to decode command set: %w", err)
		}
		a.command = command
	}
	if a.command.HasData() && !a.readAllData {
		return 0, nil, nil, nil
	}

	contextID := a.contextID
	command := a.command
	dataBytes := a.dataBytes
	*a = Assembler{}
	return contextID, command, dataBytes, nil
}

// AddCommand accumulates command PDVs only and returns the decoded
// command set as soon as it is complete, without waiting for a data
// set. Callers that stream the data set off the association use this
// instead of Add.
func (a *Assembler) AddCommand(items []pdu.PDV) (byte, *Message, error) {
	for _, item := range items {
		if !item.Command {
			return 0, nil, fmt.Errorf("data PDV received while assembling a command set")
		}
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			return 0, nil, fmt.Errorf("mixed presentation contexts in one message: %d and %d", a.contextID, item.ContextID)
		}
		a.commandBytes = append(a.commandBytes, item.Value...)
		if item.Last {
			a.readAllCommand = true
		}
	}
	if !a.readAllCommand {
		return 0, nil, nil
	}
	command, err := Decode(a.commandBytes)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decode command set: %w", err)
	}
	contextID := a.contextID
	*a = Assembler{}
	return contextID, command, nil
}
