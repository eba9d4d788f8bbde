/*
Package iso7816 implements data structures and logic to interact with smart cards according to the ISO/IEC 7816 standard.

This package provides the fundamental building blocks for APDU (Application Protocol Data Unit) communication, including Command and Response structures, Status Word (SW) analysis, and the transport layer that exchanges them with a reader.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - Other: Various error conditions.

# Transport

Client wraps a Transmitter (the card reader) and automatically resolves the
two chained status words above: it re-issues GET RESPONSE when SW1=0x61 and
re-issues the original command with the corrected Le when SW1=0x6C, up to a
bounded number of times, returning the full exchange as a Trace.

# File Selection

The SELECT command (0xA4) and READ RECORD command (0xB2) are built by
NewSelectCommand/SelectByAID and NewReadRecordCommand/ReadRecord. Callers
interested in EMV-specific response content (FCI, directory records) decode
the resulting Trace with package emv rather than through this package, which
stops at the APDU/status-word layer.
*/
package iso7816
