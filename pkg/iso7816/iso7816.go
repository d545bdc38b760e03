/*
Package iso7816 implements the ISO/IEC 7816-4 APDU layer shared by the DESFire and SAM drivers.

It provides Command and Response APDU structures, Status Word (SW) analysis, the handful of interindustry commands a DESFire card accepts, and a Client that handles the T=0 transport quirks.

# Fundamentals

The communication with a card is strictly synchronous:
 1. The terminal sends a Command APDU (header + optional body).
 2. The card processes it and returns a Response APDU (optional body + SW1 SW2).

# Status Words

Every response ends with a 2-byte Status Word.
  - 0x9000: Success.
  - 0x61XX: Success, XX bytes still available (GET RESPONSE follows).
  - 0x6CXX: Wrong Le, XX is the right one.
  - 0x91XX: DESFire native status wrapped in an ISO response; 0x91AF asks for an additional frame.
  - Other: error conditions, see StatusWord.Verbose.

# Wrapped Native Commands

DESFire native commands travel as CLA 0x90 APDUs: 90 INS 00 00 Lc data 00. NewWrappedCommand builds them and the Client returns their 91XX statuses untouched, leaving additional frames to the caller.

# Usage Example: ISO Selection

	client := iso7816.NewClient(reader)
	cls, _ := iso7816.NewClass(iso7816.ClassInterindustry)

	trace, err := client.Send(iso7816.SelectByAID(cls, dfName))
	if err != nil {
	    return err
	}
	result, err := iso7816.NewSelectResult(trace)
	if err != nil {
	    return err
	}
	if fci, err := result.FCI(); err == nil {
	    fmt.Printf("DF name: %X\n", fci.DFName())
	}
	fmt.Println(result.Describe())
*/
package iso7816
